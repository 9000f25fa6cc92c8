package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/threadcart/api/internal/handlers"
	"github.com/threadcart/api/internal/payments"
	"github.com/threadcart/api/internal/platform/auth"
	"github.com/threadcart/api/internal/platform/config"
	pfirestore "github.com/threadcart/api/internal/platform/firestore"
	"github.com/threadcart/api/internal/platform/idempotency"
	"github.com/threadcart/api/internal/platform/jobs"
	"github.com/threadcart/api/internal/platform/observability"
	"github.com/threadcart/api/internal/platform/secrets"
	"github.com/threadcart/api/internal/repositories"
	boltstore "github.com/threadcart/api/internal/repositories/bolt"
	firestoreRepo "github.com/threadcart/api/internal/repositories/firestore"
	redisrepo "github.com/threadcart/api/internal/repositories/redis"
	"github.com/threadcart/api/internal/services"
)

const (
	adminSecretName = "admin"
	meterName       = "github.com/threadcart/api"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromConfig(cfg, startedAt)
	eventLogger := observability.EventLogger(logger.Named("checkout"))
	checks := make([]repositories.DependencyCheck, 0, 5)

	var firestoreProvider *pfirestore.Provider
	if cfg.Store.Driver == config.StoreDriverFirestore || cfg.Drafts.Driver == config.DraftDriverFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore,
			pfirestore.WithProviderLogger(observability.EventLogger(logger.Named("firestore"))),
		)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		checks = append(checks, firestoreCheck(firestoreProvider))
	}

	var orderStore repositories.OrderStore
	switch cfg.Store.Driver {
	case config.StoreDriverBolt:
		store, err := boltstore.Open(cfg.Store.BoltPath, time.Now)
		if err != nil {
			logger.Fatal("failed to open bolt order store", zap.Error(err), zap.String("path", cfg.Store.BoltPath))
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("bolt close error", zap.Error(err))
			}
		}()
		orderStore = store
		checks = append(checks, repositories.DependencyCheck{Name: "orderStore", Critical: true, Check: store.Ping})
	default:
		store, err := firestoreRepo.NewOrderStore(firestoreProvider,
			firestoreRepo.WithOrderStoreClock(time.Now),
			firestoreRepo.WithOrderStoreTxTimeout(cfg.Store.TxTimeout),
		)
		if err != nil {
			logger.Fatal("failed to initialise firestore order store", zap.Error(err))
		}
		orderStore = store
		checks = append(checks, repositories.DependencyCheck{Name: "orderStore", Critical: true, Check: store.Ping})
	}

	var (
		redisClient      *goredis.Client
		drafts           repositories.DraftRepository
		idempotencyStore idempotency.Store
		nonceStore       auth.NonceStore
	)
	switch cfg.Drafts.Driver {
	case config.DraftDriverFirestore:
		repo, err := firestoreRepo.NewDraftRepository(firestoreProvider, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise firestore draft repository", zap.Error(err))
		}
		drafts = repo
		client, err := firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		idempotencyStore = idempotency.NewFirestoreStore(client)
		nonces, err := firestoreRepo.NewNonceStore(firestoreProvider, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise firestore nonce store", zap.Error(err))
		}
		nonceStore = nonces
	default:
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Drafts.RedisAddr,
			Password: cfg.Drafts.RedisPassword,
			DB:       cfg.Drafts.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		repo, err := redisrepo.NewDraftRepository(redisClient, cfg.Drafts.KeyPrefix, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise redis draft repository", zap.Error(err))
		}
		drafts = repo
		idempotencyStore = idempotency.NewRedisStore(redisClient, cfg.Drafts.KeyPrefix+":idempotency")
		nonces, err := redisrepo.NewNonceStore(redisClient, cfg.Drafts.KeyPrefix, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise redis nonce store", zap.Error(err))
		}
		nonceStore = nonces
		checks = append(checks, repositories.DependencyCheck{Name: "draftCache", Critical: true, Check: repo.Ping})
	}
	checks = append(checks, secretManagerCheck(fetcher))

	paymentManager, err := newPaymentManager(cfg.PSP, observability.EventLogger(logger.Named("payments")))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	taxPolicy, err := services.NewTaxPolicy(services.TaxPolicyConfig{
		Policy:      cfg.Tax.Policy,
		FlatRateBps: cfg.Tax.FlatRateBps,
		LowRateBps:  cfg.Tax.LowRateBps,
		HighRateBps: cfg.Tax.HighRateBps,
		Threshold:   cfg.Tax.Threshold,
	})
	if err != nil {
		logger.Fatal("invalid tax policy", zap.Error(err))
	}
	taxCalculator, err := services.NewTaxCalculator(taxPolicy, cfg.PSP.Currency)
	if err != nil {
		logger.Fatal("failed to initialise tax calculator", zap.Error(err))
	}

	var (
		anomalies services.AnomalyReporter
		events    services.OrderEventPublisher
	)
	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		pubsubClient, err := pubsub.NewClient(ctx, project)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		anomalyTopic := pubsubClient.Topic(cfg.PubSub.AnomalyTopic)
		defer anomalyTopic.Stop()
		reporter, err := jobs.NewPubSubAnomalyReporter(anomalyTopic)
		if err != nil {
			logger.Fatal("failed to initialise anomaly reporter", zap.Error(err))
		}
		anomalies = reporter

		eventsTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer eventsTopic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
	} else {
		logger.Warn("pubsub project not configured; anomaly reports and order events are only logged")
	}

	gatewayOrders, err := services.NewGatewayOrderService(services.GatewayOrderServiceDeps{
		Payments:    paymentManager,
		Clock:       time.Now,
		Logger:      eventLogger,
		MaxAttempts: cfg.PSP.MaxAttempts,
		CallTimeout: cfg.PSP.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise gateway order service", zap.Error(err))
	}

	reconciler, err := services.NewReconciliationEngine(services.ReconciliationEngineDeps{
		Store:          orderStore,
		Drafts:         drafts,
		Gateways:       paymentManager,
		Anomalies:      anomalies,
		Events:         events,
		Clock:          time.Now,
		Logger:         eventLogger,
		MaxAttempts:    cfg.Reconcile.MaxAttempts,
		InitialBackoff: cfg.Reconcile.Backoff,
		FetchTimeout:   cfg.PSP.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation engine", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Tax:           taxCalculator,
		GatewayOrders: gatewayOrders,
		Gateways:      paymentManager,
		Drafts:        drafts,
		Reconciler:    reconciler,
		Clock:         time.Now,
		Logger:        eventLogger,
		DraftTTL:      cfg.Drafts.TTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Store:  orderStore,
		Events: events,
		Clock:  time.Now,
		Logger: observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	webhookService, err := services.NewWebhookService(services.WebhookServiceDeps{
		Gateways:   paymentManager,
		Drafts:     drafts,
		Store:      orderStore,
		Reconciler: reconciler,
		Orders:     orderService,
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger.Named("webhooks")),
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook service", zap.Error(err))
	}

	systemService, err := newSystemService(checks, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)
	signatureMiddleware, err := buildSignatureMiddleware(logger.Named("auth"), cfg.Security.HMAC, nonceStore)
	if err != nil {
		logger.Fatal("failed to initialise admin signature validation", zap.Error(err))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, handlers.WithCreateOrderMiddleware(idempotencyMiddleware))
	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(systemService),
		)),
		handlers.WithOrderRoutes(checkoutHandlers.Routes),
		handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(orderService).Routes),
		handlers.WithAdminMiddlewares(signatureMiddleware),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(webhookService).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("threadcart api listening",
			zap.String("orderStore", cfg.Store.Driver),
			zap.String("drafts", cfg.Drafts.Driver),
			zap.String("gateway", cfg.PSP.DefaultProvider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newPaymentManager registers every gateway that has credentials. The default provider
// must be among them; config.Load already enforced its secrets.
func newPaymentManager(cfg config.PSPConfig, logger payments.ProviderLogger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if strings.TrimSpace(cfg.RazorpayKeySecret) != "" {
		provider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			Logger:        logger,
			Clock:         time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("razorpay: %w", err)
		}
		providers["razorpay"] = provider
	}
	if strings.TrimSpace(cfg.StripeAPIKey) != "" {
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.StripeAPIKey,
			AccountID:     cfg.StripeAccountID,
			WebhookSecret: cfg.StripeWebhookSecret,
			Logger:        logger,
			Clock:         time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers["stripe"] = provider
	}
	return payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.CurrencyRoutes),
	)
}

func buildSignatureMiddleware(logger *zap.Logger, cfg config.HMACConfig, nonces auth.NonceStore) (func(http.Handler) http.Handler, error) {
	metrics, err := observability.NewVerificationMetrics(otel.Meter(meterName))
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Secrets[adminSecretName]; !ok {
		logger.Warn("admin signing secret not configured; admin routes will answer 503")
	}
	secretsByName := make(map[string]string, len(cfg.Secrets))
	for name, value := range cfg.Secrets {
		secretsByName[name] = value
	}
	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		secret, ok := secretsByName[name]
		if !ok || strings.TrimSpace(secret) == "" {
			return "", fmt.Errorf("hmac secret %q not configured", name)
		}
		return secret, nil
	})
	validator := auth.NewSignatureValidator(provider, nonces,
		auth.WithSignatureLogger(observability.NewPrintfAdapter(logger)),
		auth.WithSignatureMetrics(metrics),
		auth.WithSignatureClockSkew(cfg.ClockSkew),
		auth.WithNonceTTL(cfg.NonceTTL),
		auth.WithSignatureHeaders(cfg.SignatureHeader, cfg.TimestampHeader, cfg.NonceHeader),
	)
	return validator.RequireSignature(adminSecretName), nil
}

func buildInfoFromConfig(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(cfg.Server.Version)
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(cfg.Server.CommitSHA)
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(checks []repositories.DependencyCheck, build services.BuildInfo) (services.SystemService, error) {
	healthRepo, err := repositories.NewDependencyHealthRepository(checks,
		repositories.WithReportMetadata(build.Version, build.Environment),
	)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build:            build,
	})
}

func firestoreCheck(provider *pfirestore.Provider) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system-healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil || errors.Is(err, secrets.ErrNotFound) {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_GCP_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	return secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(defaultProject),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	)
}

// requiredSecretNames lists the secrets the process refuses to start without: the default
// gateway's credentials plus every declared HMAC signing secret.
func requiredSecretNames(env map[string]string) []string {
	provider := strings.TrimSpace(env["API_PSP_DEFAULT"])
	required := config.RequiredPaymentSecrets(provider)
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	keys := make([]string, 0)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, _, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
