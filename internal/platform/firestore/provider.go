package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/threadcart/api/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

// dialAttempt is shared by every caller that asks for the client while one dial is in flight.
// client and err are written once before done is closed.
type dialAttempt struct {
	done   chan struct{}
	client *firestore.Client
	err    error
}

// Provider owns the Firestore client shared by the order store, the draft repository and the
// idempotency and nonce stores. The client is dialled on first use.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	logger      func(ctx context.Context, event string, fields map[string]any)

	mu      sync.Mutex
	attempt *dialAttempt
	client  *firestore.Client

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides FirestoreConfig.DialTimeout.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithProviderLogger receives client lifecycle events.
func WithProviderLogger(logger func(ctx context.Context, event string, fields map[string]any)) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
		logger:      func(context.Context, string, map[string]any) {},
	}
	if cfg.DialTimeout > 0 {
		provider.dialTimeout = cfg.DialTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// ProjectID is the configured project, falling back to GOOGLE_CLOUD_PROJECT.
func (p *Provider) ProjectID() string {
	if projectID := strings.TrimSpace(p.cfg.ProjectID); projectID != "" {
		return projectID
	}
	return strings.TrimSpace(os.Getenv(envGoogleProjectID))
}

// Client returns the shared client. Concurrent first callers wait on a single dial and all see
// its outcome; after a failed dial the next caller dials again.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	p.mu.Lock()
	if p.client != nil {
		client := p.client
		p.mu.Unlock()
		return client, nil
	}
	attempt := p.attempt
	owner := attempt == nil
	if owner {
		attempt = &dialAttempt{done: make(chan struct{})}
		p.attempt = attempt
	}
	p.mu.Unlock()

	if owner {
		p.finishDial(ctx, attempt)
	}

	select {
	case <-attempt.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if attempt.err != nil {
		return nil, attempt.err
	}
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	return attempt.client, nil
}

func (p *Provider) finishDial(ctx context.Context, attempt *dialAttempt) {
	client, err := p.dial(ctx)

	p.mu.Lock()
	p.attempt = nil
	if err == nil && p.closed.Load() {
		_ = client.Close()
		client, err = nil, ErrProviderClosed
	}
	if err == nil {
		p.client = client
	}
	p.mu.Unlock()

	attempt.client, attempt.err = client, err
	close(attempt.done)
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	projectID := p.ProjectID()
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	var opts []option.ClientOption
	host := p.emulatorHost()
	if host != "" {
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, host)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		p.logger(ctx, "firestore.dial_failed", map[string]any{
			"projectId": projectID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("firestore: create client for %s: %w", projectID, err)
	}
	p.logger(ctx, "firestore.client_ready", map[string]any{
		"projectId": projectID,
		"emulator":  host != "",
	})
	return client, nil
}

// Ping lists at most one collection, which needs neither an index nor existing documents.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collections(ctx).Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

// Close releases the client, waiting for an in-flight dial first. The Provider cannot be
// reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	attempt := p.attempt
	p.mu.Unlock()
	if attempt != nil {
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTransaction executes fn inside a Firestore transaction using the provider's client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

func (p *Provider) emulatorHost() string {
	if trimmed := strings.TrimSpace(p.cfg.EmulatorHost); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
