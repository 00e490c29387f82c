package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"ticket_flash_sale/internal/catalog"
	"ticket_flash_sale/internal/clock"
	"ticket_flash_sale/internal/config"
	"ticket_flash_sale/internal/ledger"
	"ticket_flash_sale/internal/model"
	"ticket_flash_sale/internal/order"
	"ticket_flash_sale/internal/payment"
	"ticket_flash_sale/internal/queue"
	"ticket_flash_sale/internal/worker"
	"ticket_flash_sale/pkg/logging"
	inventory "ticket_flash_sale/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "test-admin"

type app struct {
	engine    *gin.Engine
	gw        *payment.Gateway
	payments  *payment.Service
	orders    *order.Service
	inv       *inventory.Inventory
	finalizer *worker.Finalizer
	mr        *miniredis.Miniredis
}

func newApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := ledger.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.AppConfig{
		BuyRateLimit:     100,
		BuyRateWindow:    time.Second,
		AdminToken:       adminToken,
		CORSAllowOrigins: []string{"http://localhost:5173"},
		HoldTTL:          15 * time.Minute,
		Gateway: config.GatewayConfig{
			TmnCode:    "TMN01",
			HashSecret: "SECRET",
			PaymentURL: "https://pay.example.test/vpcpay.html",
			ReturnURL:  "http://localhost:5173/payment/callback",
			Version:    "2.1.0",
			Command:    "pay",
			OrderType:  "other",
			CurrCode:   "VND",
			Locale:     "vn",
			TimeZone:   "Asia/Ho_Chi_Minh",
		},
	}

	clk := clock.NewSystem()
	l := ledger.New(db)
	inv := inventory.NewInventory(rdb, log)
	gw := payment.NewGateway(cfg.Gateway, cfg.HoldTTL)
	payments := payment.NewService(l, gw, clk, log)
	q := queue.NewStreamQueue(rdb, queue.StreamOptions{
		Stream:     "test:fulfillment",
		Group:      "finalizer",
		Consumer:   "c1",
		Wait:       20 * time.Millisecond,
		Visibility: time.Minute,
	}, log)
	orders := order.NewService(inv, l, payments, q, clk, cfg.HoldTTL, log)

	r := gin.New()
	Setup(r, Deps{
		Catalog:  catalog.NewService(l, inv, clk, log),
		Orders:   orders,
		Payments: payments,
		Redis:    rdb,
		Config:   cfg,
		Log:      log,
	})
	return &app{
		engine:    r,
		gw:        gw,
		payments:  payments,
		orders:    orders,
		inv:       inv,
		finalizer: worker.NewFinalizer(log, q, orders, 10, time.Millisecond),
		mr:        mr,
	}
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func (a *app) do(t *testing.T, method, path string, body any, header map[string]string) (int, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (a *app) seedOnSaleEvent(t *testing.T, total int, maxPerUser *int) catalog.EventView {
	t.Helper()
	body := map[string]any{
		"name":          "Summer Fest",
		"venue":         "Hall A",
		"event_date":    time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"base_price":    "150000",
		"total_tickets": total,
	}
	if maxPerUser != nil {
		body["max_tickets_per_user"] = *maxPerUser
	}
	code, env := a.do(t, http.MethodPost, "/api/admin/events", body, map[string]string{headerAdminToken: adminToken})
	require.Equal(t, http.StatusCreated, code, env.Msg)

	var ev catalog.EventView
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	code, env = a.do(t, http.MethodPost, fmt.Sprintf("/api/admin/events/%d/publish", ev.ID), nil, map[string]string{headerAdminToken: adminToken})
	require.Equal(t, http.StatusOK, code, env.Msg)
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	return ev
}

func (a *app) placeOrder(t *testing.T, eventID uint, buyer int64, qty int) (int, envelope) {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/orders", map[string]any{
		"event_id":       eventID,
		"quantity":       qty,
		"user_id":        buyer,
		"customer_name":  "Nguyen Van A",
		"customer_email": "a@example.test",
	}, nil)
}

// callback 构造一份网关签名过的回调参数。
func (a *app) callback(t *testing.T, orderCode, responseCode string) url.Values {
	t.Helper()
	p, err := a.payments.GetByOrderCode(context.Background(), orderCode)
	require.NoError(t, err)
	params := map[string]string{
		payment.ParamTxnRef:        p.TxnRef,
		payment.ParamResponseCode:  responseCode,
		payment.ParamTransactionNo: "14123456",
		payment.ParamBankCode:      "NCB",
		payment.ParamAmount:        p.Amount.Shift(2).String(),
	}
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	v.Set(payment.ParamSecureHash, a.gw.Sign(params))
	return v
}

func (a *app) stock(t *testing.T, eventID uint) int64 {
	t.Helper()
	code, env := a.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d/stock", eventID), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var s struct {
		Stock int64 `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s.Stock
}

func TestPing(t *testing.T) {
	a := newApp(t)
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"msg":"pong"}`, w.Body.String())
}

func TestAdminRoutesRequireToken(t *testing.T) {
	a := newApp(t)
	code, _ := a.do(t, http.MethodPost, "/api/admin/events", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = a.do(t, http.MethodPost, "/api/admin/events/1/publish", nil, map[string]string{headerAdminToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestEventRoutes(t *testing.T) {
	a := newApp(t)
	ev := a.seedOnSaleEvent(t, 5, nil)
	assert.True(t, ev.OnSale)

	code, env := a.do(t, http.MethodGet, "/api/events", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var list []catalog.EventView
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, ev.ID, list[0].ID)

	assert.Equal(t, int64(5), a.stock(t, ev.ID))

	code, env = a.do(t, http.MethodGet, "/api/events/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Reason)

	code, _ = a.do(t, http.MethodGet, "/api/events/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOrderLifecycleThroughCallbackAndFinalizer(t *testing.T) {
	a := newApp(t)
	ev := a.seedOnSaleEvent(t, 3, nil)

	code, env := a.placeOrder(t, ev.ID, 1001, 2)
	require.Equal(t, http.StatusCreated, code, env.Msg)
	var v order.View
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, model.OrderPending, v.Status)
	assert.True(t, strings.HasPrefix(v.PaymentURL, "https://pay.example.test/vpcpay.html?"))
	assert.Equal(t, int64(1), a.stock(t, ev.ID))

	code, env = a.do(t, http.MethodGet, "/api/payments/vnpay/callback?"+a.callback(t, v.OrderCode, "00").Encode(), nil, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	var cb struct {
		Success   bool   `json:"success"`
		OrderCode string `json:"order_code"`
		Redirect  string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cb))
	assert.True(t, cb.Success)
	assert.Equal(t, v.OrderCode, cb.OrderCode)
	assert.Contains(t, cb.Redirect, "/payment/success")

	// 回调只投递事件，订单仍是 PENDING，等 Finalizer 落单
	code, env = a.do(t, http.MethodGet, "/api/orders/"+v.OrderCode, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, model.OrderPending, v.Status)
	assert.Equal(t, model.PaymentSuccess, v.PaymentStatus)

	n, err := a.finalizer.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	code, env = a.do(t, http.MethodGet, "/api/orders/"+v.OrderCode, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, model.OrderPaid, v.Status)
	assert.Equal(t, "Summer Fest", v.EventName)
	assert.Equal(t, "Nguyen Van A", v.CustomerName)

	code, env = a.do(t, http.MethodGet, "/api/payments/status/"+v.OrderCode, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"payment_status":"SUCCESS"`)
	assert.Equal(t, int64(1), a.stock(t, ev.ID), "paid seats stay sold")

	code, env = a.do(t, http.MethodGet, "/api/orders?user_id=1001", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var mine []order.View
	require.NoError(t, json.Unmarshal(env.Data, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, v.OrderCode, mine[0].OrderCode)
}

func TestIPNContract(t *testing.T) {
	a := newApp(t)
	ev := a.seedOnSaleEvent(t, 2, nil)
	code, env := a.placeOrder(t, ev.ID, 7, 1)
	require.Equal(t, http.StatusCreated, code, env.Msg)
	var v order.View
	require.NoError(t, json.Unmarshal(env.Data, &v))

	ipn := func(form url.Values) map[string]string {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/vnpay/ipn", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		a.engine.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		var out map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out
	}

	tampered := a.callback(t, v.OrderCode, "24")
	tampered.Set(payment.ParamResponseCode, "00")
	assert.Equal(t, "97", ipn(tampered)["RspCode"])

	// 支付失败同样回 00，并归还占座
	assert.Equal(t, "00", ipn(a.callback(t, v.OrderCode, "24"))["RspCode"])
	assert.Equal(t, int64(2), a.stock(t, ev.ID))

	code, env = a.do(t, http.MethodGet, "/api/orders/"+v.OrderCode, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, model.OrderFailed, v.Status)

	// 重复通知：已落定，仍然确认，不会二次归还
	assert.Equal(t, "00", ipn(a.callback(t, v.OrderCode, "24"))["RspCode"])
	assert.Equal(t, int64(2), a.stock(t, ev.ID))

	unknown := map[string]string{payment.ParamTxnRef: "ORD-NOPE_1", payment.ParamResponseCode: "00"}
	form := url.Values{}
	for k, val := range unknown {
		form.Set(k, val)
	}
	form.Set(payment.ParamSecureHash, a.gw.Sign(unknown))
	assert.Equal(t, "99", ipn(form)["RspCode"])
}

func TestCreateOrderErrors(t *testing.T) {
	a := newApp(t)
	one := 1
	ev := a.seedOnSaleEvent(t, 1, &one)

	code, env := a.placeOrder(t, ev.ID, 1, 2)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "QUOTA_EXCEEDED", env.Reason)

	code, _ = a.placeOrder(t, ev.ID, 1, 1)
	require.Equal(t, http.StatusCreated, code)

	code, env = a.placeOrder(t, ev.ID, 2, 1)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CAPACITY_EXHAUSTED", env.Reason)

	code, env = a.placeOrder(t, 999, 3, 1)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Reason)

	code, _ = a.do(t, http.MethodPost, "/api/orders", map[string]any{"event_id": ev.ID, "quantity": 0, "user_id": 3}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	a := newApp(t)
	ev := a.seedOnSaleEvent(t, 1, nil)
	code, env := a.placeOrder(t, ev.ID, 1, 1)
	require.Equal(t, http.StatusCreated, code)
	var v order.View
	require.NoError(t, json.Unmarshal(env.Data, &v))

	q := a.callback(t, v.OrderCode, "00")
	q.Set(payment.ParamSecureHash, strings.Repeat("0", 128))
	code, env = a.do(t, http.MethodGet, "/api/payments/vnpay/callback?"+q.Encode(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_SIGNATURE", env.Reason)
}

func TestCallbackApprovalAfterExpiryReportsPaid(t *testing.T) {
	a := newApp(t)
	ev := a.seedOnSaleEvent(t, 2, nil)
	code, env := a.placeOrder(t, ev.ID, 9, 1)
	require.Equal(t, http.StatusCreated, code, env.Msg)
	var v order.View
	require.NoError(t, json.Unmarshal(env.Data, &v))

	changed, err := a.orders.ExpireOrder(context.Background(), v.OrderCode)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, int64(2), a.stock(t, ev.ID))

	code, env = a.do(t, http.MethodGet, "/api/payments/vnpay/callback?"+a.callback(t, v.OrderCode, "00").Encode(), nil, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	assert.Contains(t, string(env.Data), `"success":true`, "the buyer was charged")

	code, env = a.do(t, http.MethodGet, "/api/orders/"+v.OrderCode, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, model.OrderFailed, v.Status)
	assert.Equal(t, model.PaymentSuccess, v.PaymentStatus, "gateway result is kept for reconciliation")
	assert.Equal(t, int64(2), a.stock(t, ev.ID))
}

func TestCreateOrderWhileBuyerLockedIsRetryableConflict(t *testing.T) {
	a := newApp(t)
	limit := 2
	ev := a.seedOnSaleEvent(t, 5, &limit)

	ok, err := a.inv.AcquireBuyerLock(context.Background(), ev.ID, 77, "in-flight", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(fmt.Sprintf(`{"event_id":%d,"quantity":1,"user_id":77}`, ev.ID)))
	req.Header.Set("Content-Type", "application/json")
	a.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"reason":"ORDER_IN_PROGRESS"`)
	assert.Equal(t, int64(5), a.stock(t, ev.ID))

	require.NoError(t, a.inv.ReleaseBuyerLock(context.Background(), ev.ID, 77, "in-flight"))
	code, env := a.placeOrder(t, ev.ID, 77, 1)
	assert.Equal(t, http.StatusCreated, code, env.Msg)
}
