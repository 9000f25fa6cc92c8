// Package redis keeps short-lived checkout state in Redis: order drafts that expire with their
// key TTL and single-use request nonces.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/threadcart/api/internal/domain"
	"github.com/threadcart/api/internal/repositories"
)

const defaultKeyPrefix = "checkout"

// DraftRepository stores drafts as JSON under {prefix}:draft:{id} with a secondary key
// {prefix}:draft-gateway:{gatewayOrderId} pointing back at the draft id. Both keys share the
// draft's TTL.
type DraftRepository struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ repositories.DraftRepository = (*DraftRepository)(nil)

// NewDraftRepository constructs a Redis-backed draft repository.
func NewDraftRepository(client goredis.UniversalClient, prefix string, now func() time.Time) (*DraftRepository, error) {
	if client == nil {
		return nil, errors.New("draft repository requires redis client")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &DraftRepository{client: client, prefix: prefix, now: func() time.Time { return now().UTC() }}, nil
}

// Save writes the draft and its gateway order index with the remaining TTL.
func (r *DraftRepository) Save(ctx context.Context, draft domain.OrderDraft) error {
	const op = "drafts.save"
	id := strings.TrimSpace(draft.DraftID)
	if id == "" {
		return errors.New("draft repository: draft id is required")
	}
	ttl := draft.ExpiresAt.Sub(r.now())
	if draft.ExpiresAt.IsZero() || ttl <= 0 {
		return fmt.Errorf("draft repository: draft %s already expired", id)
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("draft repository: encode %s: %w", id, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.draftKey(id), payload, ttl)
		if gw := strings.TrimSpace(draft.GatewayOrderID); gw != "" {
			pipe.Set(ctx, r.gatewayKey(gw), id, ttl)
		}
		return nil
	})
	return classify(op, err)
}

// Get returns the draft; expired or missing drafts are reported as not found.
func (r *DraftRepository) Get(ctx context.Context, draftID string) (domain.OrderDraft, error) {
	const op = "drafts.get"
	id := strings.TrimSpace(draftID)
	if id == "" {
		return domain.OrderDraft{}, errors.New("draft repository: draft id is required")
	}
	raw, err := r.client.Get(ctx, r.draftKey(id)).Bytes()
	if err != nil {
		return domain.OrderDraft{}, classify(op, err)
	}
	var draft domain.OrderDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return domain.OrderDraft{}, fmt.Errorf("draft repository: decode %s: %w", id, err)
	}
	if !draft.ExpiresAt.IsZero() && !r.now().Before(draft.ExpiresAt) {
		return domain.OrderDraft{}, repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("draft %s expired", id))
	}
	return draft, nil
}

// FindByGatewayOrderID resolves the draft through the gateway order index key.
func (r *DraftRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.OrderDraft, error) {
	const op = "drafts.find_by_gateway_order"
	gw := strings.TrimSpace(gatewayOrderID)
	if gw == "" {
		return domain.OrderDraft{}, errors.New("draft repository: gateway order id is required")
	}
	id, err := r.client.Get(ctx, r.gatewayKey(gw)).Result()
	if err != nil {
		return domain.OrderDraft{}, classify(op, err)
	}
	return r.Get(ctx, id)
}

// Delete removes the draft and its index. Missing drafts are ignored.
func (r *DraftRepository) Delete(ctx context.Context, draftID string) error {
	const op = "drafts.delete"
	id := strings.TrimSpace(draftID)
	if id == "" {
		return nil
	}
	keys := []string{r.draftKey(id)}
	if raw, err := r.client.Get(ctx, r.draftKey(id)).Bytes(); err == nil {
		var draft domain.OrderDraft
		if json.Unmarshal(raw, &draft) == nil && strings.TrimSpace(draft.GatewayOrderID) != "" {
			keys = append(keys, r.gatewayKey(draft.GatewayOrderID))
		}
	} else if !errors.Is(err, goredis.Nil) {
		return classify(op, err)
	}
	return classify(op, r.client.Del(ctx, keys...).Err())
}

// Ping checks connectivity for readiness checks.
func (r *DraftRepository) Ping(ctx context.Context) error {
	return classify("drafts.ping", r.client.Ping(ctx).Err())
}

func (r *DraftRepository) draftKey(id string) string {
	return r.prefix + ":draft:" + id
}

func (r *DraftRepository) gatewayKey(gatewayOrderID string) string {
	return r.prefix + ":draft-gateway:" + strings.TrimSpace(gatewayOrderID)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
}
