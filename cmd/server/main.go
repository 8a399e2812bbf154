package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"billing-gateways/internal/activity"
	"billing-gateways/internal/billing"
	"billing-gateways/internal/cache"
	"billing-gateways/internal/config"
	"billing-gateways/internal/db"
	"billing-gateways/internal/gateway"
	"billing-gateways/internal/gateway/payu"
	"billing-gateways/internal/gateway/razorpay"
	"billing-gateways/internal/logger"
	"billing-gateways/internal/metrics"
	"billing-gateways/internal/middleware"
	"billing-gateways/internal/utils"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	initDBFunc       = db.InitDB
	connectRedisFunc = db.ConnectRedis
	startServerFunc  = serve
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		port    string
	)

	cmd := &cobra.Command{
		Use:          "billing-server",
		Short:        "HTTP server for the billing payment gateways",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if envFile != "" {
				cfg = config.LoadConfigFrom(envFile)
			} else {
				cfg = config.LoadConfig()
			}
			if port != "" {
				cfg.AppPort = port
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "env file to load before the process environment")
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides APP_PORT)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.InitWithFile(cfg.AppEnv, cfg.LogFile)
	defer logger.Sync()
	log := logger.L()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, every request is anonymous")
	}

	database := initDBFunc(cfg)
	defer database.Close()

	tokens := cache.NewMemory()
	rdb, err := connectRedisFunc(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		tokens = cache.NewRedis(rdb, "billing:")
		log.Info("Using redis token cache", zap.String("addr", cfg.RedisAddr))
	}

	handler, err := newServer(cfg, database, tokens)
	if err != nil {
		return err
	}

	addr := ":" + cfg.AppPort
	log.Info("Billing gateway server starting", zap.String("addr", addr))
	return startServerFunc(ctx, addr, handler)
}

// newServer wires the gateway modules and wraps the router in the
// middleware chain.
func newServer(cfg *config.Config, database *sql.DB, tokens cache.Cache) (http.Handler, error) {
	log := logger.L()

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	store := billing.NewStore(database)
	svc := billing.NewService()
	acts := activity.NewHelper(database)
	webhooks := gateway.NewWebhookRepository(database)

	rt := gateway.NewRouter(store, cfg.StaffFrontendURL)

	if cfg.PayU.ClientID != "" {
		rt.Register(payu.New(payu.Deps{
			Client:    payu.NewClient(cfg.PayU, tokens),
			Store:     store,
			Billing:   svc,
			Activity:  acts,
			Webhooks:  webhooks,
			SecondKey: cfg.PayU.SecondKey,
		}))
	}
	if cfg.Razorpay.KeyID != "" {
		rt.Register(razorpay.New(razorpay.Deps{
			Client:   razorpay.NewClient(cfg.Razorpay),
			Store:    store,
			Billing:  svc,
			Activity: acts,
			Webhooks: webhooks,
			Config:   cfg.Razorpay,
		}))
	}
	log.Info("Gateways registered", zap.Strings("gateways", rt.Gateways()))

	router := setupRouter(rt, metrics.Default().Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	var h http.Handler = router
	h = middleware.NewRateLimiter(cfg.InternalSecretKey, proxies).Middleware(h)
	h = middleware.AuthMiddleware(cfg.JWTSecret)(h)
	h = c.Handler(h)
	h = logger.LoggingMiddleware(h)
	h = logger.RequestIDMiddleware(h)
	return h, nil
}

func setupRouter(rt *gateway.Router, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	router.HandleFunc("/api/billing/gateways", func(w http.ResponseWriter, r *http.Request) {
		names := rt.Gateways()
		sort.Strings(names)
		utils.WriteJSON(w, http.StatusOK, map[string][]string{"gateways": names})
	}).Methods(http.MethodGet)

	router.Handle("/api/billing/gateway/{gateway}/action/{action}", rt.ClientHandler(mux.Vars))
	router.Handle("/staffapi/billing/gateway/{gateway}/action/{action}", rt.StaffHandler(mux.Vars))

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSONError(w, "Not found.", http.StatusNotFound)
	})
	return router
}

// serve runs the server until ctx is cancelled, then drains it.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.L().Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
