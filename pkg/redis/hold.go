package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticket_flash_sale/internal/apperr"

	rd "github.com/redis/go-redis/v9"
)

// Hold 占座记录：存在即表示容量已被临时占用但尚未确认。
type Hold struct {
	EventID  uint
	Quantity int
}

// SetHold 写入占座记录，TTL 与订单支付窗口一致。
func (s *Inventory) SetHold(ctx context.Context, orderCode string, eventID uint, quantity int, ttl time.Duration) error {
	value := fmt.Sprintf("%d:%d", eventID, quantity)
	if err := s.rdb.Set(ctx, HoldKey(orderCode), value, ttl).Err(); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable, "set hold")
	}
	s.log.Debug("hold recorded", "order_code", orderCode, "ttl", ttl)
	return nil
}

// GetHold 读取占座记录。found=false 表示记录不存在或已过期。
func (s *Inventory) GetHold(ctx context.Context, orderCode string) (Hold, bool, error) {
	v, err := s.rdb.Get(ctx, HoldKey(orderCode)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return Hold{}, false, nil
		}
		return Hold{}, false, apperr.Wrap(err, apperr.ErrStoreUnavailable, "get hold")
	}
	h, err := parseHold(v)
	if err != nil {
		return Hold{}, false, fmt.Errorf("hold %s: %w", orderCode, err)
	}
	return h, true, nil
}

// RemoveHold 删除占座记录；记录不存在时也视为成功。
func (s *Inventory) RemoveHold(ctx context.Context, orderCode string) error {
	if err := s.rdb.Del(ctx, HoldKey(orderCode)).Err(); err != nil {
		return apperr.Wrap(err, apperr.ErrStoreUnavailable, "remove hold")
	}
	return nil
}

// HasHold 判断占座记录是否仍然存活。
func (s *Inventory) HasHold(ctx context.Context, orderCode string) (bool, error) {
	n, err := s.rdb.Exists(ctx, HoldKey(orderCode)).Result()
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrStoreUnavailable, "check hold")
	}
	return n == 1, nil
}

func parseHold(v string) (Hold, error) {
	eventStr, qtyStr, ok := strings.Cut(v, ":")
	if !ok {
		return Hold{}, fmt.Errorf("malformed hold value %q", v)
	}
	eventID, err := strconv.ParseUint(eventStr, 10, 64)
	if err != nil {
		return Hold{}, fmt.Errorf("invalid event id %q", eventStr)
	}
	qty, err := strconv.Atoi(qtyStr)
	if err != nil {
		return Hold{}, fmt.Errorf("invalid quantity %q", qtyStr)
	}
	return Hold{EventID: uint(eventID), Quantity: qty}, nil
}
