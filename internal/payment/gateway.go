package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"ticket_flash_sale/internal/config"
	"ticket_flash_sale/internal/model"
)

const (
	ParamTxnRef         = "vnp_TxnRef"
	ParamResponseCode   = "vnp_ResponseCode"
	ParamTransactionNo  = "vnp_TransactionNo"
	ParamBankCode       = "vnp_BankCode"
	ParamPayDate        = "vnp_PayDate"
	ParamAmount         = "vnp_Amount"
	ParamSecureHash     = "vnp_SecureHash"
	ParamSecureHashType = "vnp_SecureHashType"

	paramPrefix = "vnp_"

	// ResponseApproved 网关“交易成功”响应码。
	ResponseApproved = "00"

	gatewayTimeLayout = "20060102150405"
)

// Gateway 构造出站支付跳转并校验入站回调签名。除共享密钥外无状态。
type Gateway struct {
	cfg    config.GatewayConfig
	loc    *time.Location
	expiry time.Duration
}

// NewGateway expiry 为支付链接有效期，与占座 TTL 一致。
func NewGateway(cfg config.GatewayConfig, expiry time.Duration) *Gateway {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		// 容器里可能没有 tzdata，退回网关所在的 UTC+7
		loc = time.FixedZone("ICT", 7*60*60)
	}
	return &Gateway{cfg: cfg, loc: loc, expiry: expiry}
}

// Request 出站支付请求：已签名参数 + 跳转地址。
type Request struct {
	TxnRef string
	Params map[string]string
	URL    string
}

// TxnRef 网关交易号：订单号 + 毫秒时间戳。
func TxnRef(orderCode string, now time.Time) string {
	return fmt.Sprintf("%s_%d", orderCode, now.UnixMilli())
}

// BuildPaymentRequest 生成排序、编码、HMAC-SHA512 签名后的跳转地址。
func (g *Gateway) BuildPaymentRequest(order model.Order, txnRef, clientIP string, now time.Time) Request {
	local := now.In(g.loc)
	params := map[string]string{
		"vnp_Version":    g.cfg.Version,
		"vnp_Command":    g.cfg.Command,
		"vnp_TmnCode":    g.cfg.TmnCode,
		ParamAmount:      MinorUnits(order),
		"vnp_CurrCode":   g.cfg.CurrCode,
		ParamTxnRef:      txnRef,
		"vnp_OrderInfo":  "Payment for order " + order.OrderCode,
		"vnp_OrderType":  g.cfg.OrderType,
		"vnp_Locale":     g.cfg.Locale,
		"vnp_ReturnUrl":  g.cfg.ReturnURL,
		"vnp_IpAddr":     clientIP,
		"vnp_CreateDate": local.Format(gatewayTimeLayout),
		"vnp_ExpireDate": local.Add(g.expiry).Format(gatewayTimeLayout),
	}

	query := canonical(params)
	signed := query + "&" + ParamSecureHash + "=" + g.sign(query)
	return Request{
		TxnRef: txnRef,
		Params: params,
		URL:    g.cfg.PaymentURL + "?" + signed,
	}
}

// VerifyCallback 重新计算回调签名并忽略大小写比较。缺少签名直接拒绝。
func (g *Gateway) VerifyCallback(params map[string]string) bool {
	got, ok := params[ParamSecureHash]
	if !ok || got == "" {
		return false
	}
	fields := make(map[string]string, len(params))
	for k, v := range params {
		if !strings.HasPrefix(k, paramPrefix) || k == ParamSecureHash || k == ParamSecureHashType {
			continue
		}
		fields[k] = v
	}
	want := g.sign(canonical(fields))
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

// ParsePayDate 解析网关本地时间格式的支付时间；空串或非法返回 nil。
func (g *Gateway) ParsePayDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(gatewayTimeLayout, s, g.loc)
	if err != nil {
		return nil
	}
	return &t
}

// Sign 对任意参数集计算签名，供回调模拟与测试使用。
func (g *Gateway) Sign(params map[string]string) string {
	return g.sign(canonical(params))
}

func (g *Gateway) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// MinorUnits 金额转最小货币单位（×100），网关只接受整数。
func MinorUnits(order model.Order) string {
	return order.TotalAmount.Shift(2).Truncate(0).String()
}

// canonical 按 key 排序，仅保留非空值，value 做 URL 编码，以 & 连接且无尾随分隔符。
func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
