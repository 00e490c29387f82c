package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态机：PENDING 只能离开一次。
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// Order 售票订单；Quantity 创建后不再变化。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderCode   string          `gorm:"size:32;uniqueIndex;not null" json:"order_code"`
	BuyerID     int64           `gorm:"not null;index:idx_order_buyer_event" json:"buyer_id"`
	EventID     uint            `gorm:"not null;index:idx_order_buyer_event" json:"event_id"`
	Quantity    int             `gorm:"not null" json:"quantity"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	Status      OrderStatus     `gorm:"size:20;not null;default:PENDING;index:idx_order_status_expiry" json:"status"`
	ExpiredAt   time.Time       `gorm:"not null;index:idx_order_status_expiry" json:"expired_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`

	CustomerName  string `gorm:"size:128" json:"customer_name"`
	CustomerEmail string `gorm:"size:255" json:"customer_email"`
	CustomerPhone string `gorm:"size:32" json:"customer_phone"`
	ClientIP      string `gorm:"size:64" json:"-"`
}

func (Order) TableName() string { return "orders" }
