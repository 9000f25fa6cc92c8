package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/threadcart/api/internal/platform/firestore"
)

const noncesCollection = "requestNonces"

type nonceDocument struct {
	Scope     string    `firestore:"scope"`
	Nonce     string    `firestore:"nonce"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// NonceStore reserves signed-request nonces in Firestore so replays are rejected across
// instances. Expired reservations are reusable; a TTL policy on expiresAt removes them.
type NonceStore struct {
	provider *pfirestore.Provider
	nonces   *pfirestore.BaseRepository[nonceDocument]
	now      func() time.Time
}

// NewNonceStore constructs a Firestore-backed nonce store.
func NewNonceStore(provider *pfirestore.Provider, now func() time.Time) (*NonceStore, error) {
	if provider == nil {
		return nil, errors.New("nonce store requires firestore provider")
	}
	if now == nil {
		now = time.Now
	}
	return &NonceStore{
		provider: provider,
		nonces:   pfirestore.NewBaseRepository[nonceDocument](provider, noncesCollection, nil, nil),
		now:      func() time.Time { return now().UTC() },
	}, nil
}

// UseNonce stores the nonce until expiry. It reports false when a live reservation exists.
func (s *NonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	scope = strings.TrimSpace(scope)
	nonce = strings.TrimSpace(nonce)
	if scope == "" || nonce == "" {
		return false, errors.New("nonce store: scope and nonce are required")
	}
	if !expiry.After(s.now()) {
		return false, errors.New("nonce store: nonce expiry is in the past")
	}
	const op = "nonces.use"

	var stored bool
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored = false
		ref, err := s.nonces.DocumentRef(ctx, nonceDocumentID(scope, nonce))
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var existing nonceDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return fmt.Errorf("firestore nonces decode %s: %w", ref.ID, err)
			}
			if existing.ExpiresAt.After(s.now()) {
				return nil
			}
		case codes.NotFound:
		default:
			return err
		}
		stored = true
		return tx.Set(ref, nonceDocument{Scope: scope, Nonce: nonce, ExpiresAt: expiry.UTC()})
	}, pfirestore.WithTxOp(op))
	if err != nil {
		return false, pfirestore.WrapError(op, err)
	}
	return stored, nil
}

// nonceDocumentID hashes scope and nonce so client-chosen values never form an invalid
// document id.
func nonceDocumentID(scope, nonce string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + nonce))
	return hex.EncodeToString(sum[:])
}
