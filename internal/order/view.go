package order

import (
	"fmt"
	"time"

	"ticket_flash_sale/internal/ledger"
	"ticket_flash_sale/internal/model"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"
)

// View 订单对外展示的读模型。
type View struct {
	ID            uint                `json:"id"`
	OrderCode     string              `json:"order_code"`
	EventID       uint                `json:"event_id"`
	EventName     string              `json:"event_name,omitempty"`
	BuyerID       int64               `json:"buyer_id"`
	Quantity      int                 `json:"quantity"`
	TotalAmount   decimal.Decimal     `json:"total_amount"`
	Status        model.OrderStatus   `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiredAt     time.Time           `json:"expired_at"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	CustomerName  string              `json:"customer_name,omitempty"`
	CustomerEmail string              `json:"customer_email,omitempty"`
	CustomerPhone string              `json:"customer_phone,omitempty"`
	PaymentURL    string              `json:"payment_url,omitempty"`
	PaymentStatus model.PaymentStatus `json:"payment_status,omitempty"`
}

func newView(o model.Order, eventName string, p *model.Payment) (View, error) {
	var v View
	if err := copier.Copy(&v, &o); err != nil {
		return View{}, fmt.Errorf("project order %s: %w", o.OrderCode, err)
	}
	v.EventName = eventName
	if p != nil {
		v.PaymentURL = p.PaymentURL
		v.PaymentStatus = p.Status
	}
	return v, nil
}

func viewFromDetail(d ledger.OrderDetail) (View, error) {
	return newView(d.Order, d.EventName, d.Payment)
}
