package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TypeOrderPaid 支付确认事件类型。
const TypeOrderPaid = "ORDER_PAID"

// Message 是履约队列上传输的支付确认事件。
type Message struct {
	Type      string `json:"type"`
	OrderCode string `json:"orderCode"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

func NewOrderPaid(orderCode string, at time.Time) Message {
	return Message{Type: TypeOrderPaid, OrderCode: orderCode, Timestamp: at.UnixMilli()}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m Message) Validate() error {
	if m.Type != TypeOrderPaid {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if m.OrderCode == "" {
		return fmt.Errorf("orderCode is required")
	}
	return nil
}

// Decode 解析并校验消息体。
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Delivery 一次投递。Handle 用于 Delete 确认，未确认的投递在可见性超时后重新投递。
type Delivery struct {
	Handle string
	Body   []byte
}

// Queue 至少一次语义的履约队列。
type Queue interface {
	Send(ctx context.Context, msg Message) error
	// Receive 长轮询最多 max 条，等待时长由实现配置；超时无消息返回空切片。
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Delete(ctx context.Context, d Delivery) error
	Close() error
}
