package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/model"

	"gorm.io/gorm"
)

// Ledger 活动、订单、支付的持久化账本。
// 传入 WithTx 给出的 ctx 时，各方法自动加入该事务。
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx 在事务内执行 fn，嵌套调用复用外层事务。
func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (l *Ledger) conn(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return l.db.WithContext(ctx)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.ErrNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- 活动 ---

func (l *Ledger) CreateEvent(ctx context.Context, e *model.Event) error {
	if err := l.conn(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (l *Ledger) GetEvent(ctx context.Context, id uint) (model.Event, error) {
	var e model.Event
	if err := l.conn(ctx).First(&e, id).Error; err != nil {
		return model.Event{}, notFound(err, "event %d not found", id)
	}
	return e, nil
}

func (l *Ledger) SetEventStatus(ctx context.Context, id uint, status model.EventStatus) error {
	res := l.conn(ctx).Model(&model.Event{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update event status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.ErrNotFound, "event %d not found", id)
	}
	return nil
}

// ListUpcomingEvents 尚未开演的 ON_SALE 活动，按演出时间升序。
func (l *Ledger) ListUpcomingEvents(ctx context.Context, now time.Time) ([]model.Event, error) {
	var list []model.Event
	err := l.conn(ctx).
		Where("status = ? AND event_date > ?", model.EventOnSale, now).
		Order("event_date ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return list, nil
}

// DecrementAvailable 扣减库存镜像。镜像不足 quantity 时返回 false，镜像不会变负。
func (l *Ledger) DecrementAvailable(ctx context.Context, eventID uint, quantity int) (bool, error) {
	res := l.conn(ctx).Model(&model.Event{}).
		Where("id = ? AND available_tickets >= ?", eventID, quantity).
		Update("available_tickets", gorm.Expr("available_tickets - ?", quantity))
	if res.Error != nil {
		return false, fmt.Errorf("decrement available: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// IncrementAvailable 归还库存镜像，不超过总票数。
func (l *Ledger) IncrementAvailable(ctx context.Context, eventID uint, quantity int) error {
	err := l.conn(ctx).Model(&model.Event{}).
		Where("id = ?", eventID).
		Update("available_tickets", gorm.Expr(
			"CASE WHEN available_tickets + ? > total_tickets THEN total_tickets ELSE available_tickets + ? END",
			quantity, quantity)).Error
	if err != nil {
		return fmt.Errorf("increment available: %w", err)
	}
	return nil
}

// --- 订单 ---

// SumBuyerQuantity 买家在该活动已占座或已购的票数，不含 FAILED。
func (l *Ledger) SumBuyerQuantity(ctx context.Context, buyerID int64, eventID uint) (int, error) {
	var total int64
	err := l.conn(ctx).Model(&model.Order{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("buyer_id = ? AND event_id = ? AND status <> ?", buyerID, eventID, model.OrderFailed).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum buyer quantity: %w", err)
	}
	return int(total), nil
}

func (l *Ledger) CreateOrder(ctx context.Context, o *model.Order) error {
	if err := l.conn(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (l *Ledger) GetOrder(ctx context.Context, orderCode string) (model.Order, error) {
	var o model.Order
	if err := l.conn(ctx).Where("order_code = ?", orderCode).First(&o).Error; err != nil {
		return model.Order{}, notFound(err, "order %s not found", orderCode)
	}
	return o, nil
}

func (l *Ledger) ListBuyerOrders(ctx context.Context, buyerID int64, limit, offset int) ([]model.Order, error) {
	var list []model.Order
	err := l.conn(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list buyer orders: %w", err)
	}
	return list, nil
}

// MarkPaid PENDING → PAID。状态条件即乐观锁：订单已不是 PENDING 时返回 false，不报错。
func (l *Ledger) MarkPaid(ctx context.Context, orderCode string, paidAt time.Time) (bool, error) {
	return l.leavePending(ctx, orderCode, map[string]any{
		"status":  model.OrderPaid,
		"paid_at": paidAt,
	})
}

// MarkFailed PENDING → FAILED，条件同 MarkPaid。
func (l *Ledger) MarkFailed(ctx context.Context, orderCode string) (bool, error) {
	return l.leavePending(ctx, orderCode, map[string]any{"status": model.OrderFailed})
}

func (l *Ledger) leavePending(ctx context.Context, orderCode string, updates map[string]any) (bool, error) {
	res := l.conn(ctx).Model(&model.Order{}).
		Where("order_code = ? AND status = ?", orderCode, model.OrderPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update order %s: %w", orderCode, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListExpiredPending 支付窗口已过的 PENDING 订单，按 id 游标分页（afterID 传 0 从头开始）。
func (l *Ledger) ListExpiredPending(ctx context.Context, now time.Time, afterID uint, limit int) ([]model.Order, error) {
	var list []model.Order
	err := l.conn(ctx).
		Where("status = ? AND expired_at < ? AND id > ?", model.OrderPending, now, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	return list, nil
}

// --- 支付 ---

func (l *Ledger) CreatePayment(ctx context.Context, p *model.Payment) error {
	if err := l.conn(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (l *Ledger) GetPaymentByTxnRef(ctx context.Context, txnRef string) (model.Payment, error) {
	var p model.Payment
	if err := l.conn(ctx).Where("txn_ref = ?", txnRef).First(&p).Error; err != nil {
		return model.Payment{}, notFound(err, "payment %s not found", txnRef)
	}
	return p, nil
}

func (l *Ledger) GetPaymentByOrderCode(ctx context.Context, orderCode string) (model.Payment, error) {
	var p model.Payment
	if err := l.conn(ctx).Where("order_code = ?", orderCode).First(&p).Error; err != nil {
		return model.Payment{}, notFound(err, "payment for order %s not found", orderCode)
	}
	return p, nil
}

// SettlePayment 记录网关结果。只改 PENDING 或 EXPIRED 的支付：过期后才到的回调
// 仍要落库，供对账使用；已落定（SUCCESS/FAILED）的返回 false。
func (l *Ledger) SettlePayment(ctx context.Context, p model.Payment) (bool, error) {
	res := l.conn(ctx).Model(&model.Payment{}).
		Where("id = ? AND status IN ?", p.ID, []model.PaymentStatus{model.PaymentPending, model.PaymentExpired}).
		Updates(map[string]any{
			"status":         p.Status,
			"response_code":  p.ResponseCode,
			"transaction_no": p.TransactionNo,
			"bank_code":      p.BankCode,
			"pay_date":       p.PayDate,
		})
	if res.Error != nil {
		return false, fmt.Errorf("settle payment %s: %w", p.TxnRef, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ExpirePayment 网关一直未回调时把支付单标记为 EXPIRED，只改 PENDING 的支付。
func (l *Ledger) ExpirePayment(ctx context.Context, orderCode string) error {
	err := l.conn(ctx).Model(&model.Payment{}).
		Where("order_code = ? AND status = ?", orderCode, model.PaymentPending).
		Update("status", model.PaymentExpired).Error
	if err != nil {
		return fmt.Errorf("expire payment %s: %w", orderCode, err)
	}
	return nil
}

// --- 读模型 ---

// OrderDetail 订单详情投影，一次查齐订单、活动名与支付单。
type OrderDetail struct {
	Order     model.Order
	EventName string
	Payment   *model.Payment
}

func (l *Ledger) GetOrderDetail(ctx context.Context, orderCode string) (OrderDetail, error) {
	o, err := l.GetOrder(ctx, orderCode)
	if err != nil {
		return OrderDetail{}, err
	}
	d := OrderDetail{Order: o}

	var name string
	err = l.conn(ctx).Model(&model.Event{}).Unscoped().
		Select("name").Where("id = ?", o.EventID).Scan(&name).Error
	if err != nil {
		return OrderDetail{}, fmt.Errorf("load event name: %w", err)
	}
	d.EventName = name

	p, err := l.GetPaymentByOrderCode(ctx, orderCode)
	switch {
	case err == nil:
		d.Payment = &p
	case !apperr.Is(err, apperr.ErrNotFound):
		return OrderDetail{}, err
	}
	return d, nil
}
