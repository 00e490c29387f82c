package payment

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/model"
	"ticket_flash_sale/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	byTxnRef map[string]model.Payment
	settles  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byTxnRef: map[string]model.Payment{}}
}

func (f *fakeStore) CreatePayment(_ context.Context, p *model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = uint(len(f.byTxnRef) + 1)
	f.byTxnRef[p.TxnRef] = *p
	return nil
}

func (f *fakeStore) GetPaymentByTxnRef(_ context.Context, txnRef string) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byTxnRef[txnRef]
	if !ok {
		return model.Payment{}, apperr.Newf(apperr.ErrNotFound, "payment %s not found", txnRef)
	}
	return p, nil
}

func (f *fakeStore) GetPaymentByOrderCode(_ context.Context, orderCode string) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byTxnRef {
		if p.OrderCode == orderCode {
			return p, nil
		}
	}
	return model.Payment{}, apperr.Newf(apperr.ErrNotFound, "payment for order %s not found", orderCode)
}

func (f *fakeStore) SettlePayment(_ context.Context, p model.Payment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.byTxnRef[p.TxnRef]
	if cur.Status != model.PaymentPending && cur.Status != model.PaymentExpired {
		return false, nil
	}
	f.settles++
	f.byTxnRef[p.TxnRef] = p
	return true, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *Gateway) {
	t.Helper()
	return newTestServiceWithLog(t, logging.Discard())
}

func newTestServiceWithLog(t *testing.T, log *slog.Logger) (*Service, *fakeStore, *Gateway) {
	t.Helper()
	store := newFakeStore()
	gw := NewGateway(testGatewayConfig(), 15*time.Minute)
	clk := clock.NewManual(time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC))
	return NewService(store, gw, clk, log), store, gw
}

func createTestPayment(t *testing.T, svc *Service) model.Payment {
	t.Helper()
	p, err := svc.CreatePayment(context.Background(), model.Order{
		ID:          1,
		OrderCode:   "ORD-ABC123DEF456",
		TotalAmount: decimal.NewFromInt(300000),
	}, "10.0.0.1")
	require.NoError(t, err)
	return p
}

func gatewayReply(g *Gateway, txnRef, code string) map[string]string {
	return signed(g, map[string]string{
		ParamTxnRef:        txnRef,
		ParamResponseCode:  code,
		ParamTransactionNo: "14123456",
		ParamBankCode:      "NCB",
		ParamPayDate:       "20260301120500",
	})
}

func TestCreatePayment(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := createTestPayment(t, svc)

	assert.Equal(t, "ORD-ABC123DEF456_1772341200000", p.TxnRef)
	assert.Equal(t, model.PaymentPending, p.Status)
	assert.Equal(t, "VNPAY", p.Method)
	assert.True(t, strings.HasPrefix(p.PaymentURL, "https://pay.example.test/vpcpay.html?"))
}

func TestProcessCallbackSettlesOnce(t *testing.T) {
	svc, store, gw := newTestService(t)
	p := createTestPayment(t, svc)
	ctx := context.Background()

	got, err := svc.ProcessCallback(ctx, gatewayReply(gw, p.TxnRef, ResponseApproved))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, got.Status)
	assert.Equal(t, "NCB", got.BankCode)
	require.NotNil(t, got.PayDate)

	again, err := svc.ProcessCallback(ctx, gatewayReply(gw, p.TxnRef, "24"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, again.Status, "a settled payment is not rewritten")
	assert.Equal(t, ResponseApproved, again.ResponseCode)
	assert.Equal(t, 1, store.settles)
}

func TestProcessCallbackFailureCode(t *testing.T) {
	svc, _, gw := newTestService(t)
	p := createTestPayment(t, svc)

	got, err := svc.ProcessCallback(context.Background(), gatewayReply(gw, p.TxnRef, "24"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, got.Status)
	assert.Equal(t, "24", got.ResponseCode)
}

func TestProcessCallbackRejectsBadSignatureWithoutMutation(t *testing.T) {
	svc, store, gw := newTestService(t)
	p := createTestPayment(t, svc)

	params := gatewayReply(gw, p.TxnRef, ResponseApproved)
	params[ParamBankCode] = "VCB"
	_, err := svc.ProcessCallback(context.Background(), params)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidSignature))
	assert.Equal(t, 0, store.settles)

	cur, err := store.GetPaymentByTxnRef(context.Background(), p.TxnRef)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, cur.Status)
}

func TestProcessCallbackUnknownTxnRef(t *testing.T) {
	svc, _, gw := newTestService(t)
	_, err := svc.ProcessCallback(context.Background(), gatewayReply(gw, "ORD-NOPE_1", ResponseApproved))
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestProcessCallbackRecordsApprovalAfterExpiry(t *testing.T) {
	var logs bytes.Buffer
	svc, store, gw := newTestServiceWithLog(t, logging.NewWithWriter(&logs, "info", "json"))
	p := createTestPayment(t, svc)

	// 过期清扫已把支付单标成 EXPIRED
	expired := p
	expired.Status = model.PaymentExpired
	store.byTxnRef[p.TxnRef] = expired

	got, err := svc.ProcessCallback(context.Background(), gatewayReply(gw, p.TxnRef, ResponseApproved))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, got.Status)
	assert.Equal(t, ResponseApproved, got.ResponseCode)
	assert.Equal(t, "14123456", got.TransactionNo)
	assert.Equal(t, 1, store.settles)
	assert.Contains(t, logs.String(), `"reconcile":true`)
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
}

func TestProcessCallbackRecordsDeclineAfterExpiryQuietly(t *testing.T) {
	var logs bytes.Buffer
	svc, store, gw := newTestServiceWithLog(t, logging.NewWithWriter(&logs, "info", "json"))
	p := createTestPayment(t, svc)
	expired := p
	expired.Status = model.PaymentExpired
	store.byTxnRef[p.TxnRef] = expired

	got, err := svc.ProcessCallback(context.Background(), gatewayReply(gw, p.TxnRef, "24"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, got.Status)
	assert.NotContains(t, logs.String(), `"reconcile"`)
}
