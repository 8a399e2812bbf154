package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPayUAuthorizationURL = "https://secure.payu.com/pl/standard/user/oauth/authorize"
	defaultPayUOrdersURL        = "https://secure.payu.com/api/v2_1/orders"
)

type Config struct {
	AppEnv  string
	AppPort string

	DBDriver   string
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBPath     string

	JWTSecret        string
	RedisAddr        string
	RedisPassword    string
	LogFile          string
	AllowedOrigins   []string
	StaffFrontendURL string
	// TrustedProxies are the CIDRs whose X-Forwarded-For is believed.
	TrustedProxies    []string
	InternalSecretKey string

	PayU     PayUConfig
	Razorpay RazorpayConfig
}

// PayUConfig holds the REST API credentials of a PayU POS.
type PayUConfig struct {
	ClientID         string
	ClientSecret     string
	SecondKey        string
	MerchantPosID    string
	AuthorizationURL string
	OrdersURL        string
	NotifyURL        string
	Timeout          time.Duration
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	CallbackURL   string
	MerchantName  string
	AutoCapture   bool
}

func LoadConfig() *Config {
	_ = godotenv.Load()
	return load()
}

// LoadConfigFrom reads the given env files before the process environment.
func LoadConfigFrom(files ...string) *Config {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			log.Printf("could not load env files %v: %v", files, err)
		}
	}
	return load()
}

func load() *Config {
	cfg := &Config{
		AppEnv:  os.Getenv("APP_ENV"),
		AppPort: getEnv("APP_PORT", "8080"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		DBPath:     os.Getenv("DB_PATH"),

		JWTSecret:        os.Getenv("JWT_SECRET"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		LogFile:          os.Getenv("LOG_FILE"),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
		StaffFrontendURL: strings.TrimRight(os.Getenv("STAFF_FRONTEND_URL"), "/"),

		TrustedProxies:    splitList(os.Getenv("TRUSTED_PROXIES")),
		InternalSecretKey: os.Getenv("INTERNAL_SECRET_KEY"),

		PayU: PayUConfig{
			ClientID:         os.Getenv("PAYU_CLIENT_ID"),
			ClientSecret:     os.Getenv("PAYU_CLIENT_SECRET"),
			SecondKey:        os.Getenv("PAYU_SECOND_KEY"),
			MerchantPosID:    os.Getenv("PAYU_MERCHANT_POS_ID"),
			AuthorizationURL: getEnv("PAYU_AUTHORIZATION_URL", defaultPayUAuthorizationURL),
			OrdersURL:        strings.TrimRight(getEnv("PAYU_ORDERS_URL", defaultPayUOrdersURL), "/"),
			NotifyURL:        os.Getenv("PAYU_NOTIFY_URL"),
			Timeout:          time.Duration(getEnvAsInt("PAYU_TIMEOUT", 30)) * time.Second,
		},
		Razorpay: RazorpayConfig{
			KeyID:         os.Getenv("RAZORPAY_KEY_ID"),
			KeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
			WebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
			CallbackURL:   os.Getenv("RAZORPAY_CALLBACK_URL"),
			MerchantName:  getEnv("RAZORPAY_MERCHANT_NAME", "Billing"),
			AutoCapture:   getEnvAsBool("RAZORPAY_AUTO_CAPTURE", true),
		},
	}

	if cfg.DBDriver == "postgres" && cfg.DBHost == "" {
		log.Fatal("Environment variables not loaded properly")
	}
	if cfg.DBDriver == "sqlite3" && cfg.DBPath == "" {
		cfg.DBPath = "billing.db"
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
