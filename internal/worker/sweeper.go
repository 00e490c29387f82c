package worker

import (
	"context"
	"log/slog"
	"time"

	"ticket_flash_sale/internal/model"
)

const sweepBatch = 500

// Expirer 列出并过期支付超时的订单；ListExpired 按 id 游标分页。
type Expirer interface {
	ListExpired(ctx context.Context, afterID uint, limit int) ([]model.Order, error)
	ExpireOrder(ctx context.Context, orderCode string) (bool, error)
}

// Sweeper 周期性回收支付窗口已过的 PENDING 订单的占座。
type Sweeper struct {
	log      *slog.Logger
	orders   Expirer
	interval time.Duration
	batch    int
}

func NewSweeper(log *slog.Logger, orders Expirer, interval time.Duration) *Sweeper {
	return &Sweeper{log: log, orders: orders, interval: interval, batch: sweepBatch}
}

// Run 启动即清扫一次，之后按 interval 周期执行，直到 ctx 取消。
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper started", "interval", s.interval)
	s.SweepOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 逐单走过期失败路径，单个订单出错只记日志，不影响其余订单。
// 按 id 游标翻页，出错的订单也推进游标，不会挡住后面的订单。
// 返回本轮实际过期的订单数。
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	var after uint
	candidates, expired, failed := 0, 0, 0
	for ctx.Err() == nil {
		page, err := s.orders.ListExpired(ctx, after, s.batch)
		if err != nil {
			s.log.Error("sweeper list expired orders", "after_id", after, "err", err)
			break
		}
		for _, o := range page {
			if ctx.Err() != nil {
				break
			}
			after = o.ID
			candidates++
			ok, err := s.orders.ExpireOrder(ctx, o.OrderCode)
			if err != nil {
				failed++
				s.log.Error("sweeper expire order", "order_code", o.OrderCode, "err", err)
				continue
			}
			if ok {
				expired++
			}
		}
		if len(page) < s.batch {
			break
		}
	}
	if candidates > 0 {
		s.log.Info("sweep finished", "candidates", candidates, "expired", expired, "failed", failed)
	}
	return expired
}
