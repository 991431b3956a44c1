package main

import (
	"expvar"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Rmdmostakim/bdpayment/internal/db"
	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/gateway"
	"github.com/Rmdmostakim/bdpayment/internal/ratelimiter"
	"github.com/Rmdmostakim/bdpayment/internal/reconcile"
)

var version = "1.0.0"

// LoadRateLimiterConfig retrieves rate limiter settings from environment variables
func LoadRateLimiterConfig() ratelimiter.Config {
	defaultRequests := 200
	defaultEnabled := false

	requestsPerTimeFrame := defaultRequests
	if val, exists := os.LookupEnv("RATELIMITER_REQUESTS_COUNT"); exists {
		if parsedVal, err := strconv.Atoi(val); err == nil {
			requestsPerTimeFrame = parsedVal
		} else {
			fmt.Println("Invalid RATELIMITER_REQUESTS_COUNT, defaulting to", defaultRequests)
		}
	}

	enabled := defaultEnabled
	if val, exists := os.LookupEnv("RATE_LIMITER_ENABLED"); exists {
		if parsedVal, err := strconv.ParseBool(val); err == nil {
			enabled = parsedVal
		} else {
			fmt.Println("Invalid RATE_LIMITER_ENABLED, defaulting to", defaultEnabled)
		}
	}

	return ratelimiter.Config{
		RequestsPerTimeFrame: requestsPerTimeFrame,
		TimeFrame:            5 * time.Second,
		Enabled:              enabled,
	}
}

// NewLogger creates a new zap logger with color.
func NewLogger() (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	level := zapcore.InfoLevel

	core := zapcore.NewCore(consoleEncoder, zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout)), level)

	logger := zap.New(core)

	return logger.Sugar(), nil
}

// readKeyFile loads RSA key material from the path in the named env var.
// Missing or unreadable keys are fatal at startup, never at payment time.
func readKeyFile(envVar string) []byte {
	path := os.Getenv(envVar)
	if path == "" {
		log.Fatalf("%s is not set", envVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("reading %s: %v", envVar, err)
	}
	return data
}

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatalf("Error loading .env file: %v", err)
	}

	maxConnsStr := os.Getenv("DB_MAX_CONNS")
	maxConns, err := strconv.Atoi(maxConnsStr)
	if err != nil {
		log.Fatalf("Invalid value for DB_MAX_CONNS: %v", err)
	}

	cfg := config{
		addr:        os.Getenv("ADDR"),
		env:         os.Getenv("ENV"),
		apiURL:      os.Getenv("EXTERNAL_URL"),
		frontendURL: os.Getenv("FRONTEND_URL"),
		db: dbConfig{
			addr:        os.Getenv("DB_ADDR"),
			maxConns:    int32(maxConns),
			maxIdleTime: os.Getenv("DB_MAX_IDLE_TIME"),
		},
		auth: authConfig{
			basic: basicConfig{
				user: os.Getenv("AUTH_BASIC_USER"),
				pass: os.Getenv("AUTH_BASIC_PASS"),
			},
		},
		gateways: gatewaysConfig{
			bkash: gateway.BkashConfig{
				BaseURL:        os.Getenv("BKASH_BASE_URL"),
				Username:       os.Getenv("BKASH_USERNAME"),
				Password:       os.Getenv("BKASH_PASSWORD"),
				AppKey:         os.Getenv("BKASH_APP_KEY"),
				AppSecret:      os.Getenv("BKASH_APP_SECRET"),
				CallbackURL:    os.Getenv("BKASH_CALLBACK_URL"),
				MerchantNumber: os.Getenv("BKASH_MERCHANT_NUMBER"),
				Mode:           os.Getenv("BKASH_MODE"),
			},
			nagad: gateway.NagadConfig{
				BaseURL:     os.Getenv("NAGAD_BASE_URL"),
				MerchantID:  os.Getenv("NAGAD_MERCHANT_ID"),
				CallbackURL: os.Getenv("NAGAD_CALLBACK_URL"),
				Mode:        os.Getenv("NAGAD_MODE"),
				ServiceName: os.Getenv("NAGAD_SERVICE_NAME"),
				ClientIP:    os.Getenv("NAGAD_CLIENT_IP"),
				PublicKey:   readKeyFile("NAGAD_PUBLIC_KEY_PATH"),
				PrivateKey:  readKeyFile("NAGAD_PRIVATE_KEY_PATH"),
			},
			sslcommerz: gateway.SslcommerzConfig{
				BaseURL:         os.Getenv("SSLC_BASE_URL"),
				StoreID:         os.Getenv("SSLC_STORE_ID"),
				StorePassword:   os.Getenv("SSLC_STORE_PASSWORD"),
				CallbackURL:     os.Getenv("SSLC_CALLBACK_URL"),
				Mode:            os.Getenv("SSLC_MODE"),
				DefaultName:     os.Getenv("SSLC_DEFAULT_NAME"),
				DefaultEmail:    os.Getenv("SSLC_DEFAULT_EMAIL"),
				DefaultPhone:    os.Getenv("SSLC_DEFAULT_PHONE"),
				DefaultAddress:  os.Getenv("SSLC_DEFAULT_ADDRESS"),
				DefaultCity:     os.Getenv("SSLC_DEFAULT_CITY"),
				DefaultPostcode: os.Getenv("SSLC_DEFAULT_POSTCODE"),
				DefaultCountry:  os.Getenv("SSLC_DEFAULT_COUNTRY"),
			},
		},
		rateLimiter: LoadRateLimiterConfig(),
	}

	logger, err := NewLogger()
	if err != nil {
		fmt.Println("Error creating logger:", err)
		return
	}
	defer logger.Sync()

	// Database
	pool, err := db.New(
		cfg.db.addr,
		cfg.db.maxConns,
		cfg.db.maxIdleTime,
	)
	if err != nil {
		logger.Fatal(err)
	}

	defer pool.Close()
	logger.Info("database connection pool established")

	store := transactions.NewRepository(pool)

	bkash, err := gateway.NewBkashDriver(cfg.gateways.bkash, store, logger)
	if err != nil {
		logger.Fatal(err)
	}
	nagad, err := gateway.NewNagadDriver(cfg.gateways.nagad, store, logger)
	if err != nil {
		logger.Fatal(err)
	}
	sslcommerz, err := gateway.NewSslcommerzDriver(cfg.gateways.sslcommerz, store, logger)
	if err != nil {
		logger.Fatal(err)
	}

	manager := gateway.NewManager(store)
	manager.Register(gateway.Bkash, bkash)
	manager.Register(gateway.Nagad, nagad)
	manager.Register(gateway.Sslcommerz, sslcommerz)

	reconciler := reconcile.New(store, manager, logger)

	rateLimiter := ratelimiter.NewFixedWindowLimiter(
		cfg.rateLimiter.RequestsPerTimeFrame,
		cfg.rateLimiter.TimeFrame,
	)

	app := &application{
		config:      cfg,
		logger:      logger,
		store:       store,
		gateways:    manager,
		reconciler:  reconciler,
		rateLimiter: rateLimiter,
	}

	//Metrics collected http://localhost:8080/v1/debug/vars
	expvar.NewString("version").Set(version)
	expvar.Publish("database", expvar.Func(func() any {
		s := pool.Stat()
		return map[string]any{
			"total_conns":    s.TotalConns(),
			"idle_conns":     s.IdleConns(),
			"acquired_conns": s.AcquiredConns(),
		}
	}))
	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux := app.mount()

	logger.Fatal(app.run(mux))
}
