package order

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/ledger"
	"ticket_flash_sale/internal/model"
	"ticket_flash_sale/internal/queue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// buyerLockTTL 兜底：进程在持锁期间崩溃时锁自动过期。
const buyerLockTTL = 5 * time.Second

// Inventory 编排层用到的 Redis 库存闸门与占座记录。
type Inventory interface {
	Hold(ctx context.Context, eventID uint, quantity int) (bool, error)
	Release(ctx context.Context, eventID uint, quantity int) error
	ReleaseOnce(ctx context.Context, orderCode string, eventID uint, quantity int) (bool, error)
	SetHold(ctx context.Context, orderCode string, eventID uint, quantity int, ttl time.Duration) error
	RemoveHold(ctx context.Context, orderCode string) error
	AcquireBuyerLock(ctx context.Context, eventID uint, buyerID int64, token string, ttl time.Duration) (bool, error)
	ReleaseBuyerLock(ctx context.Context, eventID uint, buyerID int64, token string) error
}

// Ledger 编排层用到的订单账本操作。
type Ledger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetEvent(ctx context.Context, id uint) (model.Event, error)
	SumBuyerQuantity(ctx context.Context, buyerID int64, eventID uint) (int, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, orderCode string) (model.Order, error)
	GetOrderDetail(ctx context.Context, orderCode string) (ledger.OrderDetail, error)
	ListBuyerOrders(ctx context.Context, buyerID int64, limit, offset int) ([]model.Order, error)
	MarkPaid(ctx context.Context, orderCode string, paidAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, orderCode string) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, afterID uint, limit int) ([]model.Order, error)
	GetPaymentByOrderCode(ctx context.Context, orderCode string) (model.Payment, error)
	DecrementAvailable(ctx context.Context, eventID uint, quantity int) (bool, error)
	IncrementAvailable(ctx context.Context, eventID uint, quantity int) error
	ExpirePayment(ctx context.Context, orderCode string) error
}

// Payments 为新订单生成并保存支付请求。
type Payments interface {
	CreatePayment(ctx context.Context, order model.Order, clientIP string) (model.Payment, error)
}

// Publisher 把支付确认投递到履约队列。
type Publisher interface {
	Send(ctx context.Context, msg queue.Message) error
}

// Service 订单编排：下单占座、支付结果推进、过期回收。
type Service struct {
	inv      Inventory
	ledger   Ledger
	payments Payments
	pub      Publisher
	clock    clock.Clock
	holdTTL  time.Duration
	log      *slog.Logger
}

func NewService(inv Inventory, l Ledger, payments Payments, pub Publisher, clk clock.Clock, holdTTL time.Duration, log *slog.Logger) *Service {
	return &Service{
		inv:      inv,
		ledger:   l,
		payments: payments,
		pub:      pub,
		clock:    clk,
		holdTTL:  holdTTL,
		log:      log,
	}
}

type CreateRequest struct {
	EventID       uint
	Quantity      int
	BuyerID       int64
	ClientIP      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// CreateOrder 下单：
// 1. 活动存在且处于可售状态
// 2. 限购活动：买家锁内校验历史数量
// 3. Redis 原子占座
// 4. 事务内写订单 + 支付单 + 占座记录 + 可售镜像
// 占座成功后任何一步失败都会归还占座再返回错误。
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (View, error) {
	if req.Quantity <= 0 {
		return View{}, apperr.Newf(apperr.ErrInvalidArgument, "quantity must be > 0, got %d", req.Quantity)
	}
	if req.BuyerID <= 0 {
		return View{}, apperr.New(apperr.ErrInvalidArgument, "buyer id is required")
	}

	event, err := s.ledger.GetEvent(ctx, req.EventID)
	if err != nil {
		return View{}, err
	}
	now := s.clock.Now()
	if !event.OnSale(now) {
		return View{}, apperr.Newf(apperr.ErrSaleWindowClosed, "event %d is not on sale", event.ID)
	}

	if event.MaxTicketsPerUser != nil {
		token := uuid.NewString()
		locked, err := s.inv.AcquireBuyerLock(ctx, event.ID, req.BuyerID, token, buyerLockTTL)
		if err != nil {
			return View{}, err
		}
		if !locked {
			return View{}, apperr.New(apperr.ErrOrderInProgress, "another order of this buyer is in progress, retry shortly")
		}
		defer func() {
			if err := s.inv.ReleaseBuyerLock(context.WithoutCancel(ctx), event.ID, req.BuyerID, token); err != nil {
				s.log.Warn("release buyer lock failed", "event_id", event.ID, "buyer_id", req.BuyerID, "err", err)
			}
		}()

		bought, err := s.ledger.SumBuyerQuantity(ctx, req.BuyerID, event.ID)
		if err != nil {
			return View{}, err
		}
		if bought+req.Quantity > *event.MaxTicketsPerUser {
			return View{}, apperr.Newf(apperr.ErrQuotaExceeded,
				"exceeds maximum tickets allowed per buyer (%d)", *event.MaxTicketsPerUser)
		}
	}

	held, err := s.inv.Hold(ctx, event.ID, req.Quantity)
	if err != nil {
		return View{}, err
	}
	if !held {
		return View{}, apperr.New(apperr.ErrCapacityExhausted, "not enough tickets available")
	}

	o := model.Order{
		OrderCode:     newOrderCode(),
		BuyerID:       req.BuyerID,
		EventID:       event.ID,
		Quantity:      req.Quantity,
		TotalAmount:   event.BasePrice.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Status:        model.OrderPending,
		ExpiredAt:     now.Add(s.holdTTL),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		ClientIP:      req.ClientIP,
	}
	payment, err := s.persist(ctx, &o)
	if err != nil {
		s.compensate(ctx, o)
		return View{}, err
	}

	s.log.Info("order created",
		"order_code", o.OrderCode, "event_id", event.ID, "buyer_id", req.BuyerID, "quantity", req.Quantity)
	return newView(o, event.Name, &payment)
}

func (s *Service) persist(ctx context.Context, o *model.Order) (model.Payment, error) {
	var payment model.Payment
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.CreateOrder(ctx, o); err != nil {
			return err
		}
		p, err := s.payments.CreatePayment(ctx, *o, o.ClientIP)
		if err != nil {
			return err
		}
		payment = p
		if err := s.inv.SetHold(ctx, o.OrderCode, o.EventID, o.Quantity, s.holdTTL); err != nil {
			return err
		}
		ok, err := s.ledger.DecrementAvailable(ctx, o.EventID, o.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			// 镜像只做读路径展示，以 Redis 计数器为准
			s.log.Warn("available mirror behind reservation counter", "event_id", o.EventID, "order_code", o.OrderCode)
		}
		return nil
	})
	return payment, err
}

// compensate 归还占座并清理占座记录。请求被取消也必须执行。
func (s *Service) compensate(ctx context.Context, o model.Order) {
	ctx = context.WithoutCancel(ctx)
	if err := s.inv.Release(ctx, o.EventID, o.Quantity); err != nil {
		s.log.Error("compensation release failed: hold leaked",
			"order_code", o.OrderCode, "event_id", o.EventID, "quantity", o.Quantity, "err", err)
	}
	if err := s.inv.RemoveHold(ctx, o.OrderCode); err != nil {
		s.log.Warn("compensation remove hold failed", "order_code", o.OrderCode, "err", err)
	}
	s.log.Warn("order creation rolled back", "order_code", o.OrderCode, "event_id", o.EventID, "quantity", o.Quantity)
}

// GetOrder 返回订单读模型（活动名、支付地址与状态一并装配）。
func (s *Service) GetOrder(ctx context.Context, orderCode string) (View, error) {
	d, err := s.ledger.GetOrderDetail(ctx, orderCode)
	if err != nil {
		return View{}, err
	}
	return viewFromDetail(d)
}

// ListBuyerOrders 按创建时间倒序分页，page 从 0 开始。
func (s *Service) ListBuyerOrders(ctx context.Context, buyerID int64, page, size int) ([]View, error) {
	if buyerID <= 0 {
		return nil, apperr.New(apperr.ErrInvalidArgument, "buyer id is required")
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	list, err := s.ledger.ListBuyerOrders(ctx, buyerID, size, page*size)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(list))
	for _, o := range list {
		v, err := newView(o, "", nil)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// HandlePaymentSuccess 不在回调里直接落单，只投递 ORDER_PAID 由 Finalizer 异步处理。
func (s *Service) HandlePaymentSuccess(ctx context.Context, orderCode string) error {
	o, err := s.ledger.GetOrder(ctx, orderCode)
	if err != nil {
		return err
	}
	if o.Status != model.OrderPending {
		s.logNotPending(o, true)
		return nil
	}
	if err := s.pub.Send(ctx, queue.NewOrderPaid(orderCode, s.clock.Now())); err != nil {
		return err
	}
	s.log.Info("order paid event enqueued", "order_code", orderCode)
	return nil
}

// HandlePaymentFailure 走失败路径：PENDING → FAILED 并归还占座。非 PENDING 时为空操作。
func (s *Service) HandlePaymentFailure(ctx context.Context, orderCode string) error {
	_, err := s.fail(ctx, orderCode, false)
	return err
}

// ExpireOrder 过期清扫用的失败路径；额外把未回调的支付单标记为 EXPIRED。
// 返回本次调用是否真正完成了状态迁移。
func (s *Service) ExpireOrder(ctx context.Context, orderCode string) (bool, error) {
	return s.fail(ctx, orderCode, true)
}

func (s *Service) fail(ctx context.Context, orderCode string, expired bool) (bool, error) {
	var (
		o       model.Order
		changed bool
		paid    bool
	)
	err := s.ledger.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.ledger.GetOrder(ctx, orderCode); err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return nil
		}
		// 支付已成功只是确认还没落单（Finalizer 滞后或消息丢失），不能回收已付款的座位
		if paid, err = s.paymentSucceeded(ctx, orderCode); err != nil || paid {
			return err
		}
		if changed, err = s.ledger.MarkFailed(ctx, orderCode); err != nil || !changed {
			return err
		}
		// 释放标记保证即使事务回滚后重试也只归还一次
		if _, err := s.inv.ReleaseOnce(ctx, orderCode, o.EventID, o.Quantity); err != nil {
			return err
		}
		if err := s.ledger.IncrementAvailable(ctx, o.EventID, o.Quantity); err != nil {
			return err
		}
		if expired {
			return s.ledger.ExpirePayment(ctx, orderCode)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if paid {
		return false, s.redriveConfirmation(ctx, o, expired)
	}
	if !changed {
		if cur, err := s.ledger.GetOrder(ctx, orderCode); err == nil {
			o = cur
		}
		s.logNotPending(o, false)
		return false, nil
	}

	if err := s.inv.RemoveHold(ctx, orderCode); err != nil {
		s.log.Warn("remove hold failed", "order_code", orderCode, "err", err)
	}
	reason := "payment failed"
	if expired {
		reason = "expired"
	}
	s.log.Info("order failed, tickets released",
		"order_code", orderCode, "event_id", o.EventID, "quantity", o.Quantity, "reason", reason)
	return true, nil
}

func (s *Service) paymentSucceeded(ctx context.Context, orderCode string) (bool, error) {
	p, err := s.ledger.GetPaymentByOrderCode(ctx, orderCode)
	switch {
	case err == nil:
		return p.Status == model.PaymentSuccess, nil
	case apperr.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// redriveConfirmation 订单仍 PENDING 但支付已成功：重新投递 ORDER_PAID，由 Finalizer 落单。
func (s *Service) redriveConfirmation(ctx context.Context, o model.Order, expired bool) error {
	s.log.Warn("payment succeeded but order still PENDING, re-sending confirmation",
		"order_code", o.OrderCode, "expired", expired, "reconcile", true)
	return s.pub.Send(ctx, queue.NewOrderPaid(o.OrderCode, s.clock.Now()))
}

// MarkOrderPaid PENDING → PAID，仅由 Finalizer 调用。重复投递为空操作；
// 已进入其他终态的订单不会被“复活”，只记录对账告警。
func (s *Service) MarkOrderPaid(ctx context.Context, orderCode string) error {
	changed, err := s.ledger.MarkPaid(ctx, orderCode, s.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		o, err := s.ledger.GetOrder(ctx, orderCode)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPaid {
			s.logNotPending(o, true)
			return nil
		}
		s.log.Warn("order already paid", "order_code", orderCode)
	} else {
		s.log.Info("order marked as PAID", "order_code", orderCode)
	}
	return s.inv.RemoveHold(ctx, orderCode)
}

// ListExpired 查询支付窗口已过但仍为 PENDING 的订单，afterID 为分页游标。
func (s *Service) ListExpired(ctx context.Context, afterID uint, limit int) ([]model.Order, error) {
	return s.ledger.ListExpiredPending(ctx, s.clock.Now(), afterID, limit)
}

// logNotPending 对非 PENDING 订单的操作只记录日志。支付确认落到已失败的订单上
// 需要人工对账，单独打 reconcile 标记。
func (s *Service) logNotPending(o model.Order, paymentConfirmed bool) {
	if paymentConfirmed && o.Status != model.OrderPaid {
		s.log.Error("payment confirmed for a non-PENDING order",
			"order_code", o.OrderCode, "status", o.Status, "reconcile", true)
		return
	}
	s.log.Warn("order is not PENDING", "order_code", o.OrderCode, "status", o.Status)
}

// newOrderCode 生成可对外分享的订单号：ORD- + 12 位大写十六进制。
func newOrderCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:12])
}
