package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// 缺省密钥只供本地开发，APP_ENV 不是 dev 时拒绝启动。
const (
	DevAdminToken = "dev-admin-token"
	DevHashSecret = "DEMOSECRETKEY"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，缺省值写在 tag 里。
type AppConfig struct {
	// dev 允许使用缺省密钥，其他取值（如 prod）必须显式配置
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// 订单账本：sqlite（本地）或 postgres
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"flash_sale.db"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// 履约队列：redis（Stream 消费组）或 kafka
	QueueBackend        string        `envconfig:"QUEUE_BACKEND" default:"redis"`
	FulfillmentStream   string        `envconfig:"FULFILLMENT_STREAM" default:"flash_sale:fulfillment"`
	FulfillmentGroup    string        `envconfig:"FULFILLMENT_GROUP" default:"flash-sale-finalizer"`
	FulfillmentConsumer string        `envconfig:"FULFILLMENT_CONSUMER" default:"finalizer-1"`
	KafkaBrokers        []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic          string        `envconfig:"KAFKA_TOPIC" default:"flash-sale-payments"`
	KafkaGroupID        string        `envconfig:"KAFKA_GROUP_ID" default:"flash-sale-finalizer"`
	QueueBatchSize      int           `envconfig:"QUEUE_BATCH_SIZE" default:"10"`
	QueueWait           time.Duration `envconfig:"QUEUE_WAIT" default:"5s"`
	QueueVisibility     time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"30s"`

	// 占座有效期 = 支付窗口
	HoldTTL       time.Duration `envconfig:"HOLD_TTL" default:"15m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	FinalizerIdle time.Duration `envconfig:"FINALIZER_IDLE" default:"1s"`

	BuyRateLimit  int           `envconfig:"BUY_RATE_LIMIT" default:"1000"`
	BuyRateWindow time.Duration `envconfig:"BUY_RATE_WINDOW" default:"1s"`

	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	CORSAllowOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"http://localhost:5173"`

	Gateway GatewayConfig
}

// GatewayConfig 支付网关参数（VNPay 协议）。
type GatewayConfig struct {
	TmnCode    string `envconfig:"VNPAY_TMN_CODE" default:"DEMO"`
	HashSecret string `envconfig:"VNPAY_HASH_SECRET" default:"DEMOSECRETKEY"`
	PaymentURL string `envconfig:"VNPAY_PAYMENT_URL" default:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"`
	ReturnURL  string `envconfig:"VNPAY_RETURN_URL" default:"http://localhost:5173/payment/callback"`
	Version    string `envconfig:"VNPAY_VERSION" default:"2.1.0"`
	Command    string `envconfig:"VNPAY_COMMAND" default:"pay"`
	OrderType  string `envconfig:"VNPAY_ORDER_TYPE" default:"other"`
	CurrCode   string `envconfig:"VNPAY_CURR_CODE" default:"VND"`
	Locale     string `envconfig:"VNPAY_LOCALE" default:"vn"`
	TimeZone   string `envconfig:"VNPAY_TIMEZONE" default:"Asia/Ho_Chi_Minh"`
}

// Load 读取并校验配置。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 做 tag 无法表达的范围与组合校验。
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}

	switch c.QueueBackend {
	case "redis":
		if c.FulfillmentStream == "" || c.FulfillmentGroup == "" || c.FulfillmentConsumer == "" {
			return fmt.Errorf("FULFILLMENT_STREAM, FULFILLMENT_GROUP and FULFILLMENT_CONSUMER must not be empty")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or kafka, got %q", c.QueueBackend)
	}

	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be > 0")
	}
	if c.QueueWait <= 0 {
		return fmt.Errorf("QUEUE_WAIT must be > 0")
	}
	if c.QueueVisibility <= c.QueueWait {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be longer than QUEUE_WAIT")
	}
	if c.HoldTTL <= 0 {
		return fmt.Errorf("HOLD_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.FinalizerIdle <= 0 {
		return fmt.Errorf("FINALIZER_IDLE must be > 0")
	}
	if c.BuyRateLimit <= 0 {
		return fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	if c.BuyRateWindow < time.Second {
		return fmt.Errorf("BUY_RATE_WINDOW must be >= 1s")
	}
	if c.Gateway.HashSecret == "" {
		return fmt.Errorf("VNPAY_HASH_SECRET must not be empty")
	}
	if c.Gateway.TmnCode == "" {
		return fmt.Errorf("VNPAY_TMN_CODE must not be empty")
	}
	if !c.IsDev() {
		if c.AdminToken == "" || c.AdminToken == DevAdminToken {
			return fmt.Errorf("ADMIN_TOKEN must be set when APP_ENV=%s", c.AppEnv)
		}
		if c.Gateway.HashSecret == DevHashSecret {
			return fmt.Errorf("VNPAY_HASH_SECRET must be set when APP_ENV=%s", c.AppEnv)
		}
	}
	return nil
}

func (c AppConfig) IsDev() bool {
	return strings.EqualFold(c.AppEnv, "dev")
}
