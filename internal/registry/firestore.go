package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
)

const devicesCollection = "devices"

// Firestore is the durable registry backend.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

// deviceRecord is the DB representation of a registration.
type deviceRecord struct {
	Token        string    `firestore:"token"`
	Platform     string    `firestore:"platform"`
	RegisteredAt time.Time `firestore:"registered_at"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// Upsert writes the registration, reporting whether the token was new.
func (s *Firestore) Upsert(ctx context.Context, reg wakeup.Registration) (bool, error) {
	ref := s.deviceRef(reg.Token)

	created := false
	_, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return false, fmt.Errorf("firestore lookup before upsert failed: %w", err)
		}
		created = true
	}

	record := deviceRecord{
		Token:        reg.Token,
		Platform:     string(reg.Platform),
		RegisteredAt: reg.RegisteredAt,
		UpdatedAt:    time.Now(),
	}
	if _, err := ref.Set(ctx, record); err != nil {
		return false, fmt.Errorf("firestore upsert failed: %w", err)
	}
	return created, nil
}

// Lookup returns the registration, or nil when the token is unknown.
func (s *Firestore) Lookup(ctx context.Context, token string) (*wakeup.Registration, error) {
	doc, err := s.deviceRef(token).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore lookup failed: %w", err)
	}

	var record deviceRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, fmt.Errorf("firestore record decode failed: %w", err)
	}
	return &wakeup.Registration{
		Token:        record.Token,
		Platform:     wakeup.Platform(record.Platform),
		RegisteredAt: record.RegisteredAt,
	}, nil
}

func (s *Firestore) Evict(ctx context.Context, token string) error {
	if _, err := s.deviceRef(token).Delete(ctx); err != nil {
		return fmt.Errorf("firestore evict failed: %w", err)
	}
	return nil
}

// Count walks the collection; used once at startup to seed the active-token
// gauge, not on any hot path.
func (s *Firestore) Count(ctx context.Context) (int, error) {
	iter := s.client.Collection(devicesCollection).Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("firestore iteration failed: %w", err)
		}
		n++
	}
	return n, nil
}

// deviceRef hashes the token into the doc ID to avoid hot-spotting and keep
// arbitrary token bytes out of document paths.
func (s *Firestore) deviceRef(token string) *firestore.DocumentRef {
	return s.client.Collection(devicesCollection).Doc(hashToken(token))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
