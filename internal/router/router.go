package router

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ticket_flash_sale/internal/apperr"
	"ticket_flash_sale/internal/catalog"
	"ticket_flash_sale/internal/config"
	"ticket_flash_sale/internal/middleware"
	"ticket_flash_sale/internal/model"
	"ticket_flash_sale/internal/order"
	"ticket_flash_sale/internal/payment"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const headerAdminToken = "X-Admin-Token"

// Deps 路由依赖。
type Deps struct {
	Catalog  *catalog.Service
	Orders   *order.Service
	Payments *payment.Service
	Redis    *rd.Client
	Config   config.AppConfig
	Log      *slog.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     d.Config.CORSAllowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", headerAdminToken, middleware.HeaderRequestID},
		ExposeHeaders:    []string{middleware.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")

	// Events
	api.GET("/events", listEvents(d))
	api.GET("/events/:id", getEvent(d))
	api.GET("/events/:id/stock", getStock(d))

	admin := api.Group("/admin", requireAdmin(d.Config.AdminToken))
	admin.POST("/events", createEvent(d))
	admin.POST("/events/:id/publish", publishEvent(d))

	// Orders
	limiter := middleware.BuyerRateLimit(d.Redis, middleware.RateLimitOptions{
		Limit:  d.Config.BuyRateLimit,
		Window: d.Config.BuyRateWindow,
		Log:    d.Log,
	})
	api.POST("/orders", limiter, createOrder(d))
	api.GET("/orders/:code", getOrder(d))
	api.GET("/orders", listOrders(d))

	// Payments
	api.GET("/payments/vnpay/callback", paymentCallback(d))
	api.GET("/payments/vnpay/ipn", paymentIPN(d))
	api.POST("/payments/vnpay/ipn", paymentIPN(d))
	api.GET("/payments/status/:code", paymentStatus(d))
}

// fail 把服务层错误映射为 HTTP 状态；未分类错误只回通用信息，细节写日志。
func fail(c *gin.Context, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case apperr.Is(err, apperr.ErrInvalidArgument), apperr.Is(err, apperr.ErrInvalidSignature):
		status = http.StatusBadRequest
	case apperr.Is(err, apperr.ErrSaleWindowClosed),
		apperr.Is(err, apperr.ErrQuotaExceeded),
		apperr.Is(err, apperr.ErrCapacityExhausted):
		status = http.StatusConflict
	case apperr.Is(err, apperr.ErrOrderInProgress):
		// 同一买家的上一笔下单还没结束，稍后重试即可
		c.Header("Retry-After", "1")
		status = http.StatusConflict
	case apperr.Is(err, apperr.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", c.FullPath(), "err", err)
		msg = "服务繁忙，请稍后再试"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"code": status, "msg": msg, "reason": apperr.KindOf(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": msg, "reason": apperr.KindOf(apperr.ErrInvalidArgument)})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(headerAdminToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "无效的管理员令牌"})
			return
		}
		c.Next()
	}
}

func eventID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "event id 必须是正整数")
		return 0, false
	}
	return uint(id), true
}

// listEvents 在售且未开始的活动。
func listEvents(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := d.Catalog.ListUpcoming(c.Request.Context())
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, list)
	}
}

func getEvent(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := eventID(c)
		if !valid {
			return
		}
		v, err := d.Catalog.GetEvent(c.Request.Context(), id)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, v)
	}
}

// getStock 查询 Redis 实时剩余量。
func getStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := eventID(c)
		if !valid {
			return
		}
		n, err := d.Catalog.Stock(c.Request.Context(), id)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, gin.H{"event_id": id, "stock": n})
	}
}

type createEventBody struct {
	Name              string          `json:"name" binding:"required"`
	Description       string          `json:"description"`
	Venue             string          `json:"venue" binding:"required"`
	Address           string          `json:"address"`
	EventDate         time.Time       `json:"event_date" binding:"required"`
	EndDate           *time.Time      `json:"end_date"`
	BasePrice         decimal.Decimal `json:"base_price"`
	TotalTickets      int             `json:"total_tickets" binding:"required,min=1"`
	MaxTicketsPerUser *int            `json:"max_tickets_per_user"`
	SaleStartTime     *time.Time      `json:"sale_start_time"`
	SaleEndTime       *time.Time      `json:"sale_end_time"`
}

// createEvent 管理端建活动（DRAFT）。
func createEvent(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createEventBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		v, err := d.Catalog.CreateEvent(c.Request.Context(), catalog.CreateEventRequest{
			Name:              body.Name,
			Description:       body.Description,
			Venue:             body.Venue,
			Address:           body.Address,
			EventDate:         body.EventDate,
			EndDate:           body.EndDate,
			BasePrice:         body.BasePrice,
			TotalTickets:      body.TotalTickets,
			MaxTicketsPerUser: body.MaxTicketsPerUser,
			SaleStartTime:     body.SaleStartTime,
			SaleEndTime:       body.SaleEndTime,
		})
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"code": 0, "msg": "ok", "data": v})
	}
}

// publishEvent 上架并预热库存计数器。
func publishEvent(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := eventID(c)
		if !valid {
			return
		}
		v, err := d.Catalog.PublishEvent(c.Request.Context(), id)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, v)
	}
}

type createOrderBody struct {
	EventID       uint   `json:"event_id" binding:"required"`
	Quantity      int    `json:"quantity" binding:"required,min=1"`
	UserID        int64  `json:"user_id" binding:"required,min=1"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
}

// createOrder 下单占座，返回订单与支付跳转地址。
func createOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createOrderBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		v, err := d.Orders.CreateOrder(c.Request.Context(), order.CreateRequest{
			EventID:       body.EventID,
			Quantity:      body.Quantity,
			BuyerID:       body.UserID,
			ClientIP:      c.ClientIP(),
			CustomerName:  body.CustomerName,
			CustomerEmail: body.CustomerEmail,
			CustomerPhone: body.CustomerPhone,
		})
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"code": 0, "msg": "ok", "data": v})
	}
}

func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := d.Orders.GetOrder(c.Request.Context(), c.Param("code"))
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, v)
	}
}

// listOrders GET /api/orders?user_id=&page=&size=，page 从 0 开始。
func listOrders(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q struct {
			UserID int64 `form:"user_id" binding:"required,min=1"`
			Page   int   `form:"page" binding:"min=0"`
			Size   int   `form:"size" binding:"min=0"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			badRequest(c, err.Error())
			return
		}
		list, err := d.Orders.ListBuyerOrders(c.Request.Context(), q.UserID, q.Page, q.Size)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, list)
	}
}

// gatewayParams 取回调参数；POST 表单与 query 合并，同名取第一个值。
func gatewayParams(c *gin.Context) map[string]string {
	_ = c.Request.ParseForm()
	params := make(map[string]string, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// settle 记录网关结果并推进订单：成功投递 ORDER_PAID，失败走归还占座。
// 按落库后的支付状态分流；订单已过期后才到的成功回调也会落库为 SUCCESS，
// 由 HandlePaymentSuccess 打 reconcile 告警。
func settle(c *gin.Context, d Deps, params map[string]string) (model.Payment, error) {
	ctx := c.Request.Context()
	p, err := d.Payments.ProcessCallback(ctx, params)
	if err != nil {
		return model.Payment{}, err
	}
	if p.Status == model.PaymentSuccess {
		err = d.Orders.HandlePaymentSuccess(ctx, p.OrderCode)
	} else {
		err = d.Orders.HandlePaymentFailure(ctx, p.OrderCode)
	}
	return p, err
}

// paymentCallback 浏览器回跳：JSON 告诉前端跳转到成功页还是失败页。
func paymentCallback(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := gatewayParams(c)
		p, err := settle(c, d, params)
		if err != nil {
			d.Log.Warn("payment callback rejected", "txn_ref", params[payment.ParamTxnRef], "err", err)
			fail(c, d.Log, err)
			return
		}
		if p.Status == model.PaymentSuccess {
			ok(c, gin.H{
				"success":      true,
				"order_code":   p.OrderCode,
				"redirect_url": "/payment/success?orderCode=" + p.OrderCode,
			})
			return
		}
		ok(c, gin.H{
			"success":       false,
			"order_code":    p.OrderCode,
			"response_code": p.ResponseCode,
			"redirect_url":  "/payment/failed?orderCode=" + p.OrderCode,
		})
	}
}

// paymentIPN 网关服务端通知。支付失败也回 00，避免网关重试；
// 签名错误回 97，其余处理错误回 99 让网关稍后重发。
func paymentIPN(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := gatewayParams(c)
		_, err := settle(c, d, params)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"RspCode": "00", "Message": "Confirm Success"})
		case apperr.Is(err, apperr.ErrInvalidSignature):
			c.JSON(http.StatusOK, gin.H{"RspCode": "97", "Message": "Invalid signature"})
		default:
			d.Log.Error("ipn processing failed", "txn_ref", params[payment.ParamTxnRef], "err", err)
			c.JSON(http.StatusOK, gin.H{"RspCode": "99", "Message": "Unknown error"})
		}
	}
}

func paymentStatus(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")
		p, err := d.Payments.GetByOrderCode(c.Request.Context(), code)
		if err != nil {
			fail(c, d.Log, err)
			return
		}
		ok(c, gin.H{
			"order_code":     code,
			"payment_status": p.Status,
			"amount":         p.Amount,
		})
	}
}
