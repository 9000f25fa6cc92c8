package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/repositories"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestDraftRepositoryLifecycle(t *testing.T) {
	server, client := newClient(t)
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	repo, err := NewDraftRepository(client, "test", func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	draft := domain.OrderDraft{
		DraftID:        "drf_1",
		OrderID:        "ord_1",
		Items:          []domain.LineItem{{ProductID: "p1", Name: "Tee", UnitPrice: 2000, Quantity: 2}},
		Financials:     domain.Financials{Subtotal: 4000, DeliveryCharge: 50, GrandTotal: 4253, Currency: "INR"},
		Gateway:        "razorpay",
		GatewayOrderID: "order_1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
	require.NoError(t, repo.Save(ctx, draft))
	require.Equal(t, 30*time.Minute, server.TTL("test:draft:drf_1"))
	require.Equal(t, 30*time.Minute, server.TTL("test:draft-gateway:order_1"))

	got, err := repo.Get(ctx, "drf_1")
	require.NoError(t, err)
	require.Equal(t, int64(4253), got.Financials.GrandTotal)
	require.Len(t, got.Items, 1)

	byGateway, err := repo.FindByGatewayOrderID(ctx, "order_1")
	require.NoError(t, err)
	require.Equal(t, "drf_1", byGateway.DraftID)

	require.NoError(t, repo.Delete(ctx, "drf_1"))
	require.False(t, server.Exists("test:draft:drf_1"))
	require.False(t, server.Exists("test:draft-gateway:order_1"))

	_, err = repo.Get(ctx, "drf_1")
	require.True(t, repositories.IsNotFound(err))
	require.NoError(t, repo.Delete(ctx, "drf_1"))
}

func TestDraftRepositoryExpiresWithTTL(t *testing.T) {
	server, client := newClient(t)
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	repo, err := NewDraftRepository(client, "", func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, domain.OrderDraft{DraftID: "drf_2", GatewayOrderID: "order_2", ExpiresAt: now.Add(time.Minute)}))
	server.FastForward(2 * time.Minute)

	_, err = repo.Get(ctx, "drf_2")
	require.True(t, repositories.IsNotFound(err))
	_, err = repo.FindByGatewayOrderID(ctx, "order_2")
	require.True(t, repositories.IsNotFound(err))
}

func TestDraftRepositoryRejectsExpiredSave(t *testing.T) {
	_, client := newClient(t)
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	repo, err := NewDraftRepository(client, "", func() time.Time { return now })
	require.NoError(t, err)

	err = repo.Save(context.Background(), domain.OrderDraft{DraftID: "drf_3", ExpiresAt: now.Add(-time.Second)})
	require.Error(t, err)
}

func TestDraftRepositoryUnavailable(t *testing.T) {
	server, client := newClient(t)
	repo, err := NewDraftRepository(client, "", nil)
	require.NoError(t, err)
	server.Close()

	_, err = repo.Get(context.Background(), "drf_1")
	require.True(t, repositories.IsUnavailable(err), "expected unavailable, got %v", err)
}

func TestNonceStoreRejectsReplay(t *testing.T) {
	server, client := newClient(t)
	now := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	store, err := NewNonceStore(client, "test", func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	stored, err := store.UseNonce(ctx, "admin", "n-1", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = store.UseNonce(ctx, "admin", "n-1", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.False(t, stored)

	stored, err = store.UseNonce(ctx, "other", "n-1", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, stored)

	server.FastForward(6 * time.Minute)
	stored, err = store.UseNonce(ctx, "admin", "n-1", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, stored)

	_, err = store.UseNonce(ctx, "admin", "n-2", now.Add(-time.Second))
	require.Error(t, err)
}
