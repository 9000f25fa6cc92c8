package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultEnvironment         = "local"
	defaultStoreDriver         = StoreDriverFirestore
	defaultBoltPath            = "data/orders.db"
	defaultStoreTxTimeout      = 15 * time.Second
	defaultFirestoreDial       = 10 * time.Second
	defaultDraftDriver         = DraftDriverRedis
	defaultDraftTTL            = 30 * time.Minute
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultRedisKeyPrefix      = "checkout"
	defaultPSPProvider         = "razorpay"
	defaultPSPCurrency         = "INR"
	defaultPSPTimeout          = 10 * time.Second
	defaultPSPMaxAttempts      = 3
	defaultTaxPolicy           = "tiered"
	defaultTaxFlatRateBps      = 500
	defaultTaxLowRateBps       = 500
	defaultTaxHighRateBps      = 1800
	defaultTaxThreshold        = 2500
	defaultReconcileAttempts   = 4
	defaultReconcileBackoff    = 200 * time.Millisecond
	defaultAnomalyTopic        = "order-anomalies"
	defaultOrderEventsTopic    = "order-events"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultLogLevel            = "info"
)

// Supported order store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverBolt      = "bolt"
)

// Supported checkout draft drivers.
const (
	DraftDriverRedis     = "redis"
	DraftDriverFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Drafts      DraftConfig
	PSP         PSPConfig
	Tax         TaxConfig
	Reconcile   ReconcileConfig
	PubSub      PubSubConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	// Version and CommitSHA are reported by /healthz.
	Version   string
	CommitSHA string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	DialTimeout  time.Duration
}

// StoreConfig selects the OrderStore backend.
type StoreConfig struct {
	Driver    string
	BoltPath  string
	TxTimeout time.Duration
}

// DraftConfig selects where checkout drafts live and how long they survive.
type DraftConfig struct {
	Driver        string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// PSPConfig collects payment gateway credentials and call limits.
type PSPConfig struct {
	DefaultProvider       string
	Currency              string
	CurrencyRoutes        map[string]string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	StripeAPIKey          string
	StripeAccountID       string
	StripeWebhookSecret   string
	Timeout               time.Duration
	MaxAttempts           int
}

// TaxConfig selects the tax policy applied to every cart.
type TaxConfig struct {
	Policy      string
	FlatRateBps int64
	LowRateBps  int64
	HighRateBps int64
	Threshold   int64
}

// ReconcileConfig bounds persistence retries during reconciliation.
type ReconcileConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// PubSubConfig names the topics for anomaly reports and order events.
// Publishing is disabled when ProjectID is empty.
type PubSubConfig struct {
	ProjectID        string
	AnomalyTopic     string
	OrderEventsTopic string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures signed admin request expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the OS environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields as mandatory. Names match the config field
// paths recorded by the loader, e.g. "PSP.RazorpayKeySecret" or "Security.HMAC.Secrets[ops]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// RequiredPaymentSecrets lists the secret fields the given default provider cannot start without.
func RequiredPaymentSecrets(provider string) []string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		return []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	default:
		return []string{"PSP.RazorpayKeySecret", "PSP.RazorpayWebhookSecret"}
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	project := stringWithDefault(lookup, "API_GCP_PROJECT_ID", "")
	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			LogLevel:        stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
			Version:         stringWithDefault(lookup, "K_REVISION", ""),
			CommitSHA:       stringWithDefault(lookup, "API_COMMIT_SHA", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", project),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
			DialTimeout:  durationWithDefault(lookup, "API_FIRESTORE_DIAL_TIMEOUT", defaultFirestoreDial),
		},
		Store: StoreConfig{
			Driver:    strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", defaultStoreDriver)),
			BoltPath:  stringWithDefault(lookup, "API_STORE_BOLT_PATH", defaultBoltPath),
			TxTimeout: durationWithDefault(lookup, "API_STORE_TX_TIMEOUT", defaultStoreTxTimeout),
		},
		Drafts: DraftConfig{
			Driver:        strings.ToLower(stringWithDefault(lookup, "API_DRAFT_DRIVER", defaultDraftDriver)),
			TTL:           durationWithDefault(lookup, "API_DRAFT_TTL", defaultDraftTTL),
			RedisAddr:     stringWithDefault(lookup, "API_REDIS_ADDR", defaultRedisAddr),
			RedisPassword: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			RedisDB:       intWithDefault(lookup, "API_REDIS_DB", 0),
			KeyPrefix:     stringWithDefault(lookup, "API_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		PSP: PSPConfig{
			DefaultProvider:       strings.ToLower(stringWithDefault(lookup, "API_PSP_DEFAULT", defaultPSPProvider)),
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_PSP_CURRENCY", defaultPSPCurrency)),
			CurrencyRoutes:        mapWithDefault(lookup, "API_PSP_CURRENCY_ROUTES"),
			RazorpayKeyID:         stringWithDefault(lookup, "API_PSP_RAZORPAY_KEY_ID", ""),
			RazorpayKeySecret:     stringWithDefault(lookup, "API_PSP_RAZORPAY_KEY_SECRET", ""),
			RazorpayWebhookSecret: stringWithDefault(lookup, "API_PSP_RAZORPAY_WEBHOOK_SECRET", ""),
			StripeAPIKey:          stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID:       stringWithDefault(lookup, "API_PSP_STRIPE_ACCOUNT_ID", ""),
			StripeWebhookSecret:   stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			Timeout:               durationWithDefault(lookup, "API_PSP_TIMEOUT", defaultPSPTimeout),
			MaxAttempts:           intWithDefault(lookup, "API_PSP_MAX_ATTEMPTS", defaultPSPMaxAttempts),
		},
		Tax: TaxConfig{
			Policy:      strings.ToLower(stringWithDefault(lookup, "API_TAX_POLICY", defaultTaxPolicy)),
			FlatRateBps: int64WithDefault(lookup, "API_TAX_FLAT_RATE_BPS", defaultTaxFlatRateBps),
			LowRateBps:  int64WithDefault(lookup, "API_TAX_LOW_RATE_BPS", defaultTaxLowRateBps),
			HighRateBps: int64WithDefault(lookup, "API_TAX_HIGH_RATE_BPS", defaultTaxHighRateBps),
			Threshold:   int64WithDefault(lookup, "API_TAX_THRESHOLD", defaultTaxThreshold),
		},
		Reconcile: ReconcileConfig{
			MaxAttempts: intWithDefault(lookup, "API_RECONCILE_MAX_ATTEMPTS", defaultReconcileAttempts),
			Backoff:     durationWithDefault(lookup, "API_RECONCILE_BACKOFF", defaultReconcileBackoff),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", project),
			AnomalyTopic:     stringWithDefault(lookup, "API_PUBSUB_ANOMALY_TOPIC", defaultAnomalyTopic),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultEnvironment)),
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	resolved := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = strings.TrimSpace(secret)
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.RazorpayKeySecret", &cfg.PSP.RazorpayKeySecret},
		{"PSP.RazorpayWebhookSecret", &cfg.PSP.RazorpayWebhookSecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Drafts.RedisPassword", &cfg.Drafts.RedisPassword},
	}
	for _, target := range secretFields {
		secret, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = secret
		resolved[target.name] = strings.TrimSpace(secret)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Server.ShutdownTimeout > 0, "Server.ShutdownTimeout")

	needsFirestore := false
	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		needsFirestore = true
	case StoreDriverBolt:
		check(strings.TrimSpace(cfg.Store.BoltPath) != "", "Store.BoltPath")
	default:
		invalid = append(invalid, "Store.Driver")
	}
	check(cfg.Store.TxTimeout > 0, "Store.TxTimeout")

	switch cfg.Drafts.Driver {
	case DraftDriverRedis:
		check(strings.TrimSpace(cfg.Drafts.RedisAddr) != "", "Drafts.RedisAddr")
	case DraftDriverFirestore:
		needsFirestore = true
	default:
		invalid = append(invalid, "Drafts.Driver")
	}
	check(cfg.Drafts.TTL > 0, "Drafts.TTL")
	if needsFirestore {
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	}

	switch cfg.PSP.DefaultProvider {
	case "razorpay":
		check(cfg.PSP.RazorpayKeyID != "", "PSP.RazorpayKeyID")
	case "stripe":
	default:
		invalid = append(invalid, "PSP.DefaultProvider")
	}
	check(len(cfg.PSP.Currency) == 3, "PSP.Currency")
	check(cfg.PSP.Timeout > 0, "PSP.Timeout")
	check(cfg.PSP.MaxAttempts > 0, "PSP.MaxAttempts")

	switch cfg.Tax.Policy {
	case "flat":
		check(cfg.Tax.FlatRateBps >= 0, "Tax.FlatRateBps")
	case "tiered":
		check(cfg.Tax.LowRateBps >= 0, "Tax.LowRateBps")
		check(cfg.Tax.HighRateBps >= 0, "Tax.HighRateBps")
		check(cfg.Tax.Threshold > 0, "Tax.Threshold")
	default:
		invalid = append(invalid, "Tax.Policy")
	}

	check(cfg.Reconcile.MaxAttempts > 0, "Reconcile.MaxAttempts")
	check(cfg.Reconcile.Backoff > 0, "Reconcile.Backoff")

	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}
