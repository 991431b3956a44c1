package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/gateway"
	"github.com/Rmdmostakim/bdpayment/internal/ratelimiter"
	"github.com/Rmdmostakim/bdpayment/internal/reconcile"
)

type application struct {
	config      config
	logger      *zap.SugaredLogger
	store       transactions.Store
	gateways    *gateway.Manager
	reconciler  *reconcile.Reconciler
	rateLimiter ratelimiter.Limiter
}

type config struct {
	addr        string
	env         string
	apiURL      string
	frontendURL string
	db          dbConfig
	auth        authConfig
	gateways    gatewaysConfig
	rateLimiter ratelimiter.Config
}

type authConfig struct {
	basic basicConfig
}

type basicConfig struct {
	user string
	pass string
}

type dbConfig struct {
	addr        string
	maxConns    int32
	maxIdleTime string
}

type gatewaysConfig struct {
	bkash      gateway.BkashConfig
	nagad      gateway.NagadConfig
	sslcommerz gateway.SslcommerzConfig
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(app.RateLimiterMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Gateway exchanges retry internally; the request context must outlive
	// the slowest one.
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", app.healthCheckHandler)
		r.With(app.BasicAuthMiddleware()).Get("/debug/vars", expvar.Handler().ServeHTTP)

		r.Route("/gateway", func(r chi.Router) {
			r.Post("/{gateway}/create", app.createPaymentHandler)
			r.Post("/{gateway}/webhook", app.webhookHandler)

			r.Post("/bkash/execute", app.executeBkashHandler)
			r.Get("/bkash/callback", app.bkashCallbackHandler)
			r.Get("/nagad/callback", app.nagadCallbackHandler)
			r.Post("/sslcommerz/callback", app.sslcommerzCallbackHandler)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Use(app.BasicAuthMiddleware())
			r.Get("/", app.listPaymentsHandler)
			r.Get("/{invoice}", app.getPaymentHandler)
			r.Delete("/{invoice}", app.deletePaymentHandler)
		})
	})
	return r
}

func (app *application) run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.addr,
		Handler:      mux,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.logger.Infow("signal caught", "signal", s.String())

		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Infow("server has started", "addr", app.config.addr, "env", app.config.env)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Infow("server has stopped", "addr", app.config.addr, "env", app.config.env)

	return nil
}
