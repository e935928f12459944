package keys

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/sarpel/privrelay/internal/metrics"
	"github.com/sarpel/privrelay/internal/storage"
)

var (
	// ErrNoKeys is returned when a user has not uploaded any keys
	ErrNoKeys = errors.New("user has not uploaded keys")
	// ErrInvalidKey is returned when a key fails validation
	ErrInvalidKey = errors.New("invalid key format")
)

// Service handles X3DH key-bundle storage and one-time-prekey dispensing.
type Service struct {
	db *storage.Postgres
}

// NewService creates a new keys service
func NewService(db *storage.Postgres) *Service {
	return &Service{db: db}
}

// PreKeyUpload is one {key_id, public_key} pair arriving on registration.
type PreKeyUpload struct {
	KeyID     int
	PublicKey string // base64
}

// RegisterBundle is the full set of key material a client registers.
type RegisterBundle struct {
	PhoneHash       string
	IdentityKey     string // base64
	SignedPreKey    string // base64
	PrekeySignature string // base64
	OneTimePrekeys  []PreKeyUpload
}

// Bundle is what fetch_bundle returns to a peer initiating a session.
type Bundle struct {
	IdentityKey     string // base64
	SignedPreKey    string // base64
	PrekeySignature string // base64
	OneTimePrekey   *PreKeyUpload // nil if none remain
}

// Register upserts a user's long-lived key material and one-time prekey
// batch in a single transaction. Re-registration replaces identity_key,
// signed_prekey, prekey_signature and refreshes last_seen; each uploaded
// prekey upserts by (user_id, key_id), resetting used=false on re-upload.
func (s *Service) Register(ctx context.Context, b RegisterBundle) (string, error) {
	identityKey, err := base64.StdEncoding.DecodeString(b.IdentityKey)
	if err != nil || len(identityKey) == 0 {
		return "", ErrInvalidKey
	}
	signedPreKey, err := base64.StdEncoding.DecodeString(b.SignedPreKey)
	if err != nil || len(signedPreKey) == 0 {
		return "", ErrInvalidKey
	}
	signature, err := base64.StdEncoding.DecodeString(b.PrekeySignature)
	if err != nil || len(signature) == 0 {
		return "", ErrInvalidKey
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx, `
		INSERT INTO users (phone_hash, identity_key, signed_prekey, prekey_signature, last_seen)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (phone_hash) DO UPDATE SET
			identity_key     = EXCLUDED.identity_key,
			signed_prekey    = EXCLUDED.signed_prekey,
			prekey_signature = EXCLUDED.prekey_signature,
			last_seen        = NOW()
		RETURNING id
	`, b.PhoneHash, identityKey, signedPreKey, signature).Scan(&userID)
	if err != nil {
		return "", err
	}

	for _, pk := range b.OneTimePrekeys {
		pkBytes, err := base64.StdEncoding.DecodeString(pk.PublicKey)
		if err != nil || len(pkBytes) == 0 {
			return "", ErrInvalidKey
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO one_time_prekeys (user_id, key_id, public_key, used)
			VALUES ($1, $2, $3, FALSE)
			ON CONFLICT (user_id, key_id) DO UPDATE SET
				public_key = EXCLUDED.public_key,
				used       = FALSE
		`, userID, pk.KeyID, pkBytes)
		if err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return userID, nil
}

// FetchBundle dispenses a key bundle for phoneHash, atomically consuming at
// most one unused one-time prekey. Two concurrent calls for the same user
// never return the same key_id: the UPDATE...RETURNING statement picks and
// marks the row in one round trip, under the row lock Postgres already
// takes for an UPDATE, so there is no read-then-write window to race.
func (s *Service) FetchBundle(ctx context.Context, phoneHash string) (*Bundle, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var userID string
	var identityKey, signedPreKey, signature []byte
	err = tx.QueryRow(ctx, `
		SELECT id, identity_key, signed_prekey, prekey_signature
		FROM users WHERE phone_hash = $1
	`, phoneHash).Scan(&userID, &identityKey, &signedPreKey, &signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoKeys
	}
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		IdentityKey:     base64.StdEncoding.EncodeToString(identityKey),
		SignedPreKey:    base64.StdEncoding.EncodeToString(signedPreKey),
		PrekeySignature: base64.StdEncoding.EncodeToString(signature),
	}

	var keyID int
	var publicKey []byte
	err = tx.QueryRow(ctx, `
		UPDATE one_time_prekeys
		SET used = TRUE
		WHERE id = (
			SELECT id FROM one_time_prekeys
			WHERE user_id = $1 AND NOT used
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING key_id, public_key
	`, userID).Scan(&keyID, &publicKey)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		bundle.OneTimePrekey = &PreKeyUpload{
			KeyID:     keyID,
			PublicKey: base64.StdEncoding.EncodeToString(publicKey),
		}
		metrics.PrekeysDispensed.Inc()
	} else {
		metrics.BundleFetchesEmpty.Inc()
	}
	// No unused prekey is not an error - the peer falls back to signed_prekey alone.

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bundle, nil
}
