package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/threadcart/api/internal/domain"
	pfirestore "github.com/threadcart/api/internal/platform/firestore"
	"github.com/threadcart/api/internal/repositories"
)

const draftsCollection = "orderDrafts"

// DraftRepository stores checkout drafts in Firestore. Expiry is enforced on read; a Firestore
// TTL policy on expiresAt removes stale documents eventually.
type DraftRepository struct {
	base *pfirestore.BaseRepository[draftDocument]
	now  func() time.Time
}

var _ repositories.DraftRepository = (*DraftRepository)(nil)

// NewDraftRepository constructs a Firestore-backed draft repository.
func NewDraftRepository(provider *pfirestore.Provider, now func() time.Time) (*DraftRepository, error) {
	if provider == nil {
		return nil, errors.New("draft repository requires firestore provider")
	}
	if now == nil {
		now = time.Now
	}
	return &DraftRepository{
		base: pfirestore.NewBaseRepository[draftDocument](provider, draftsCollection, nil, nil),
		now:  func() time.Time { return now().UTC() },
	}, nil
}

// Save upserts the draft keyed by its draft id.
func (r *DraftRepository) Save(ctx context.Context, draft domain.OrderDraft) error {
	id := strings.TrimSpace(draft.DraftID)
	if id == "" {
		return errors.New("draft repository: draft id is required")
	}
	_, err := r.base.Set(ctx, id, encodeDraft(draft))
	return err
}

// Get returns the draft, treating expired drafts as missing.
func (r *DraftRepository) Get(ctx context.Context, draftID string) (domain.OrderDraft, error) {
	id := strings.TrimSpace(draftID)
	if id == "" {
		return domain.OrderDraft{}, errors.New("draft repository: draft id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.OrderDraft{}, err
	}
	draft := decodeDraft(doc.ID, doc.Data)
	if r.expired(draft) {
		return domain.OrderDraft{}, pfirestore.NewNotFoundError("orderDrafts.get", fmt.Errorf("draft %s expired", id))
	}
	return draft, nil
}

// FindByGatewayOrderID looks up the live draft bound to a gateway order.
func (r *DraftRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.OrderDraft, error) {
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return domain.OrderDraft{}, errors.New("draft repository: gateway order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayOrderId", "==", id).Limit(1)
	})
	if err != nil {
		return domain.OrderDraft{}, err
	}
	if len(docs) == 0 {
		return domain.OrderDraft{}, pfirestore.NewNotFoundError("orderDrafts.find_by_gateway_order", fmt.Errorf("no draft for gateway order %s", id))
	}
	draft := decodeDraft(docs[0].ID, docs[0].Data)
	if r.expired(draft) {
		return domain.OrderDraft{}, pfirestore.NewNotFoundError("orderDrafts.find_by_gateway_order", fmt.Errorf("draft %s expired", draft.DraftID))
	}
	return draft, nil
}

// Delete removes the draft. Missing drafts are ignored.
func (r *DraftRepository) Delete(ctx context.Context, draftID string) error {
	id := strings.TrimSpace(draftID)
	if id == "" {
		return nil
	}
	return r.base.Delete(ctx, id)
}

func (r *DraftRepository) expired(draft domain.OrderDraft) bool {
	return !draft.ExpiresAt.IsZero() && !r.now().Before(draft.ExpiresAt)
}
