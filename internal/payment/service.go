package payment

import (
	"context"
	"log/slog"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/model"
)

const methodVNPay = "VNPAY"

// Store 支付服务用到的账本读写。
type Store interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPaymentByTxnRef(ctx context.Context, txnRef string) (model.Payment, error)
	GetPaymentByOrderCode(ctx context.Context, orderCode string) (model.Payment, error)
	SettlePayment(ctx context.Context, p model.Payment) (bool, error)
}

// Service 支付单的创建与网关回调处理。
type Service struct {
	store Store
	gw    *Gateway
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store Store, gw *Gateway, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{store: store, gw: gw, clock: clk, log: log}
}

// CreatePayment 为订单生成网关交易号与跳转地址并落库（PENDING）。
// 调用方应在订单所在事务的 ctx 内调用。
func (s *Service) CreatePayment(ctx context.Context, order model.Order, clientIP string) (model.Payment, error) {
	now := s.clock.Now()
	req := s.gw.BuildPaymentRequest(order, TxnRef(order.OrderCode, now), clientIP, now)

	p := model.Payment{
		OrderID:    order.ID,
		OrderCode:  order.OrderCode,
		Amount:     order.TotalAmount,
		Method:     methodVNPay,
		Status:     model.PaymentPending,
		TxnRef:     req.TxnRef,
		PaymentURL: req.URL,
		IPAddress:  clientIP,
	}
	if err := s.store.CreatePayment(ctx, &p); err != nil {
		return model.Payment{}, err
	}
	s.log.Info("payment created", "order_code", order.OrderCode, "txn_ref", p.TxnRef)
	return p, nil
}

// VerifyCallback 校验网关回调签名。
func (s *Service) VerifyCallback(params map[string]string) bool {
	return s.gw.VerifyCallback(params)
}

// ProcessCallback 按交易号记录网关结果。签名不合法时不做任何修改；
// 已落定（SUCCESS/FAILED）的支付原样返回，重复回调不会改写结果。
// 订单过期后才到的回调照常记录；若是支付成功，打 reconcile 告警等人工处理。
func (s *Service) ProcessCallback(ctx context.Context, params map[string]string) (model.Payment, error) {
	if !s.gw.VerifyCallback(params) {
		s.log.Warn("callback signature rejected", "txn_ref", params[ParamTxnRef])
		return model.Payment{}, apperr.New(apperr.ErrInvalidSignature, "invalid callback signature")
	}
	txnRef := params[ParamTxnRef]
	if txnRef == "" {
		return model.Payment{}, apperr.New(apperr.ErrInvalidArgument, "missing transaction reference")
	}

	p, err := s.store.GetPaymentByTxnRef(ctx, txnRef)
	if err != nil {
		return model.Payment{}, err
	}
	if p.Status.Settled() {
		s.log.Info("callback for settled payment ignored", "txn_ref", txnRef, "status", p.Status)
		return p, nil
	}

	late := p.Status == model.PaymentExpired
	code := params[ParamResponseCode]
	p.ResponseCode = code
	p.TransactionNo = params[ParamTransactionNo]
	p.BankCode = params[ParamBankCode]
	p.PayDate = s.gw.ParsePayDate(params[ParamPayDate])
	if code == ResponseApproved {
		p.Status = model.PaymentSuccess
	} else {
		p.Status = model.PaymentFailed
	}

	changed, err := s.store.SettlePayment(ctx, p)
	if err != nil {
		return model.Payment{}, err
	}
	if !changed {
		// 并发回调已抢先落定，以库中结果为准
		return s.store.GetPaymentByTxnRef(ctx, txnRef)
	}

	switch {
	case p.Status == model.PaymentSuccess && late:
		s.log.Error("payment approved after the order expired",
			"txn_ref", txnRef, "order_code", p.OrderCode, "transaction_no", p.TransactionNo, "reconcile", true)
	case p.Status == model.PaymentSuccess:
		s.log.Info("payment succeeded", "txn_ref", txnRef, "order_code", p.OrderCode)
	default:
		s.log.Warn("payment failed", "txn_ref", txnRef, "order_code", p.OrderCode, "response_code", code)
	}
	return p, nil
}

// GetByOrderCode 查询订单的支付记录。
func (s *Service) GetByOrderCode(ctx context.Context, orderCode string) (model.Payment, error) {
	return s.store.GetPaymentByOrderCode(ctx, orderCode)
}
