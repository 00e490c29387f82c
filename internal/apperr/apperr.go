package apperr

import (
	"github.com/cockroachdb/errors"
)

// 错误类别。服务层返回的错误都打上其中一个标记，
// 调用方不管包了几层都能用 errors.Is 区分。
// 重复回调、重复落单等幂等空操作不算错误，直接返回 nil。
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrSaleWindowClosed  = errors.New("sale window closed")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrOrderInProgress   = errors.New("order in progress")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrInvalidArgument, "INVALID_ARGUMENT"},
	{ErrSaleWindowClosed, "SALE_WINDOW_CLOSED"},
	{ErrQuotaExceeded, "QUOTA_EXCEEDED"},
	{ErrOrderInProgress, "ORDER_IN_PROGRESS"},
	{ErrCapacityExhausted, "CAPACITY_EXHAUSTED"},
	{ErrInvalidSignature, "INVALID_SIGNATURE"},
	{ErrStoreUnavailable, "STORE_UNAVAILABLE"},
}

// New 构造带类别的错误。
func New(kind error, msg string) error {
	return errors.Mark(errors.New(msg), kind)
}

func Newf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Wrap 包装 err 并打上类别；err 为 nil 时返回 nil。
func Wrap(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}

// KindOf 返回错误类别名，未分类返回 "INTERNAL"。
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "INTERNAL"
}

func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
