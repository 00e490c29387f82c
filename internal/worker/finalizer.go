package worker

import (
	"context"
	"log/slog"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/queue"
)

// Receiver 履约队列的消费端。
type Receiver interface {
	Receive(ctx context.Context, max int) ([]queue.Delivery, error)
	Delete(ctx context.Context, d queue.Delivery) error
}

// PaidMarker 执行 PENDING -> PAID 的状态推进。
type PaidMarker interface {
	MarkOrderPaid(ctx context.Context, orderCode string) error
}

// Finalizer 消费支付确认事件并把订单置为 PAID。
// 只有处理成功（或确定无法处理的脏消息）才删除；失败的消息留在队列里，
// 可见性超时后由队列重新投递，Finalizer 自身不做重试。
type Finalizer struct {
	log    *slog.Logger
	q      Receiver
	orders PaidMarker
	batch  int
	idle   time.Duration
}

func NewFinalizer(log *slog.Logger, q Receiver, orders PaidMarker, batch int, idle time.Duration) *Finalizer {
	return &Finalizer{log: log, q: q, orders: orders, batch: batch, idle: idle}
}

func (f *Finalizer) Run(ctx context.Context) error {
	f.log.Info("finalizer started", "batch", f.batch)
	for {
		if ctx.Err() != nil {
			f.log.Info("finalizer stopping")
			return nil
		}
		if _, err := f.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			f.log.Error("finalizer receive error", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(f.idle):
			}
		}
	}
}

// PollOnce 拉取一批消息逐条处理，返回成功确认的条数。
func (f *Finalizer) PollOnce(ctx context.Context) (int, error) {
	ds, err := f.q.Receive(ctx, f.batch)
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, d := range ds {
		if f.handle(ctx, d) {
			acked++
		}
	}
	return acked, nil
}

func (f *Finalizer) handle(ctx context.Context, d queue.Delivery) bool {
	msg, err := queue.Decode(d.Body)
	if err != nil {
		f.log.Warn("dropping malformed message", "handle", d.Handle, "err", err)
		return f.delete(ctx, d)
	}

	if err := f.orders.MarkOrderPaid(ctx, msg.OrderCode); err != nil {
		if apperr.Is(err, apperr.ErrNotFound) {
			f.log.Warn("dropping message for unknown order", "order_code", msg.OrderCode)
			return f.delete(ctx, d)
		}
		// 不删除，等待可见性超时后重投
		f.log.Error("finalize order failed", "order_code", msg.OrderCode, "err", err)
		return false
	}
	return f.delete(ctx, d)
}

func (f *Finalizer) delete(ctx context.Context, d queue.Delivery) bool {
	if err := f.q.Delete(ctx, d); err != nil {
		f.log.Error("delete message failed", "handle", d.Handle, "err", err)
		return false
	}
	return true
}
