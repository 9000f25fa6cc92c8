package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const webhookResource = "projects/test/secrets/razorpay-webhook/versions/latest"

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	base := []Option{
		WithDefaultProject("test"),
		WithMeter(noop.NewMeterProvider().Meter("test")),
		WithFallbackFile(""),
	}
	fetcher, err := NewFetcher(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_remote"
	fetcher := newTestFetcher(t, WithSecretManagerClient(client))

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "whsec_remote" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if calls := client.callCount(webhookResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
}

func TestResolveRefetchesAfterCacheTTL(t *testing.T) {
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_v1"
	now := time.Date(2025, 2, 10, 9, 30, 0, 0, time.UTC)
	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	if _, err := fetcher.Resolve(context.Background(), "sm://razorpay-webhook"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.set(webhookResource, "whsec_v2")
	now = now.Add(2 * time.Minute)

	got, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_v2" {
		t.Fatalf("expected rotated secret, got %q", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_v1"
	fetcher := newTestFetcher(t, WithSecretManagerClient(client))

	if _, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fetcher.Invalidate("secret://razorpay-webhook")
	if _, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls := client.callCount(webhookResource); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/other/secrets/stripe-api-key/versions/5"] = "sk_v5"
	fetcher := newTestFetcher(t, WithSecretManagerClient(client))

	got, err := fetcher.Resolve(context.Background(), "secret://stripe-api-key?version=5&project=other")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_v5" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolveFallsBackWhenSecretManagerDenied(t *testing.T) {
	client := newFakeSecretClient()
	client.errors[webhookResource] = status.Error(codes.PermissionDenied, "denied")
	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithFallbackFile(writeFallback(t, "# dev secrets\nsecret://razorpay-webhook=whsec_local\n")),
	)

	got, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveRetriesUnavailable(t *testing.T) {
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_remote"
	client.failures[webhookResource] = 1
	fetcher := newTestFetcher(t, WithSecretManagerClient(client), WithFetchRetries(1))

	got, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_remote" || client.callCount(webhookResource) != 2 {
		t.Fatalf("expected success on retry, got %q after %d calls", got, client.callCount(webhookResource))
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	client := newFakeSecretClient()
	fetcher := newTestFetcher(t,
		WithSecretManagerClient(client),
		WithFallbackFile(writeFallback(t, "secret://razorpay-webhook=whsec_local\n")),
	)

	if _, err := fetcher.Resolve(context.Background(), "secret://razorpay-webhook"); err == nil {
		t.Fatal("expected NotFound to surface")
	}
}

func TestResolveWithoutClientUsesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	fetcher := newTestFetcher(t, WithFallbackFile(writeFallback(t, "sm://stripe-webhook=whsec_2\n")))

	got, err := fetcher.Resolve(context.Background(), "secret://stripe-webhook?version=2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_2" {
		t.Fatalf("unexpected value %q", got)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReferenceRejectsBadInput(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/x", "secret://", "secret://%zz"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}

type fakeSecretClient struct {
	mu       sync.Mutex
	values   map[string]string
	errors   map[string]error
	failures map[string]int
	counter  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:   make(map[string]string),
		errors:   make(map[string]error),
		failures: make(map[string]int),
		counter:  make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if f.failures[name] > 0 {
		f.failures[name]--
		return nil, status.Error(codes.Unavailable, "try again")
	}
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
