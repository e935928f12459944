package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sarpel/privrelay/internal/storage"
)

// spillThreshold is the ciphertext size above which an envelope is written
// to MinIO instead of inline in pending_messages.
const spillThreshold = 256 * 1024

// QueuedEnvelope is a persisted message waiting for an offline recipient.
type QueuedEnvelope struct {
	ID         string
	SenderID   string
	Ciphertext []byte
	Timestamp  time.Time
}

// Store persists queued envelopes, spilling oversized ciphertext to MinIO.
type Store struct {
	db    *storage.Postgres
	minio *storage.MinIO
}

// NewStore creates a new queued-envelope store. minio may be nil, in which
// case all envelopes are stored inline regardless of size.
func NewStore(db *storage.Postgres, minio *storage.MinIO) *Store {
	return &Store{db: db, minio: minio}
}

// Enqueue persists a ciphertext envelope for later delivery to recipientID.
func (s *Store) Enqueue(ctx context.Context, recipientID, senderID string, ciphertext []byte) error {
	if s.minio != nil && len(ciphertext) > spillThreshold {
		envelopeID := uuid.New().String()
		if err := s.minio.PutEnvelope(ctx, recipientID, envelopeID, ciphertext); err != nil {
			return fmt.Errorf("spill envelope: %w", err)
		}
		_, err := s.db.Pool().Exec(ctx,
			`INSERT INTO pending_messages (recipient_id, sender_id, spill_object_key) VALUES ($1, $2, $3)`,
			recipientID, senderID, "minio:"+envelopeID,
		)
		return err
	}

	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO pending_messages (recipient_id, sender_id, encrypted_payload) VALUES ($1, $2, $3)`,
		recipientID, senderID, ciphertext,
	)
	return err
}

// Drain returns all queued envelopes for recipientID ordered by timestamp
// ascending. Spilled ciphertext is rehydrated from MinIO transparently.
func (s *Store) Drain(ctx context.Context, recipientID string) ([]QueuedEnvelope, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT id, sender_id, encrypted_payload, spill_object_key, timestamp
		 FROM pending_messages WHERE recipient_id = $1 ORDER BY timestamp ASC`,
		recipientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []QueuedEnvelope
	for rows.Next() {
		var env QueuedEnvelope
		var payload []byte
		var spillKey *string
		if err := rows.Scan(&env.ID, &env.SenderID, &payload, &spillKey, &env.Timestamp); err != nil {
			return nil, err
		}

		if spillKey != nil {
			envelopeID := strings.TrimPrefix(*spillKey, "minio:")
			if s.minio == nil {
				return nil, fmt.Errorf("envelope %s spilled to minio but no minio client configured", env.ID)
			}
			data, err := s.minio.GetEnvelope(ctx, recipientID, envelopeID)
			if err != nil {
				return nil, fmt.Errorf("rehydrate envelope %s: %w", env.ID, err)
			}
			env.Ciphertext = data
		} else {
			env.Ciphertext = payload
		}

		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

// Delete removes a queued envelope after successful delivery, cleaning up
// its spilled object in MinIO if it has one.
func (s *Store) Delete(ctx context.Context, recipientID, id string) error {
	var spillKey *string
	err := s.db.Pool().QueryRow(ctx,
		`DELETE FROM pending_messages WHERE id = $1 RETURNING spill_object_key`, id,
	).Scan(&spillKey)
	if err != nil {
		return err
	}
	if spillKey != nil && s.minio != nil {
		envelopeID := strings.TrimPrefix(*spillKey, "minio:")
		_ = s.minio.DeleteEnvelope(ctx, recipientID, envelopeID)
	}
	return nil
}
