package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus 支付记录状态，仅由网关回调处理与过期清扫修改。
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentExpired  PaymentStatus = "EXPIRED"
)

// Settled 表示网关结果已落定，重复回调不得再改写。
func (s PaymentStatus) Settled() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// Payment 与 Order 一对一。TxnRef 是网关交易号，回调按它幂等查找。
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID   uint            `gorm:"not null;uniqueIndex" json:"order_id"`
	OrderCode string          `gorm:"size:32;not null;index" json:"order_code"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Method    string          `gorm:"size:20;not null" json:"method"`
	Status    PaymentStatus   `gorm:"size:20;not null;default:PENDING" json:"status"`

	TxnRef        string     `gorm:"size:64;uniqueIndex;not null" json:"txn_ref"`
	ResponseCode  string     `gorm:"size:8" json:"response_code"`
	TransactionNo string     `gorm:"size:64" json:"transaction_no"`
	BankCode      string     `gorm:"size:32" json:"bank_code"`
	PayDate       *time.Time `json:"pay_date,omitempty"`
	PaymentURL    string     `gorm:"type:text" json:"payment_url"`
	IPAddress     string     `gorm:"size:64" json:"-"`
}

func (Payment) TableName() string { return "payments" }
