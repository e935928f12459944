package push

import (
	"context"
	"log"

	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/storage"
)

// Service sends wake-only push notifications: a silent nudge telling a
// device to reconnect and drain its pending envelopes. It never carries
// message content, sender identity, or any other plaintext metadata - that
// guarantee is what lets push notifications exist at all in an end-to-end
// encrypted relay.
type Service struct {
	db   *storage.Postgres
	apns *storage.APNs
}

// NewService creates a new push notification service
func NewService(cfg *config.Config, db *storage.Postgres, apns *storage.APNs) *Service {
	return &Service{
		db:   db,
		apns: apns,
	}
}

// NotifyUser wakes every registered device for a user after a message was
// queued for offline delivery. Best-effort: a push failure never blocks
// message delivery, since the envelope is already durably queued.
func (s *Service) NotifyUser(ctx context.Context, userID string) error {
	rows, err := s.db.Pool().Query(ctx,
		"SELECT token, platform FROM push_tokens WHERE user_id = $1",
		userID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type target struct{ token, platform string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.token, &t.platform); err != nil {
			continue
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range targets {
		switch t.platform {
		case "ios":
			if err := s.apns.SendWakeup(ctx, t.token); err != nil {
				log.Printf("push: wakeup to %s failed: %v", userID, err)
				if err == storage.ErrInvalidToken {
					s.removeInvalidToken(ctx, userID, t.token)
				}
			}
		case "android":
			// No FCM credential flow is wired up yet; android tokens are
			// accepted and stored so upload is one code path, but delivery
			// is a no-op until an FCM sender exists.
			log.Printf("push: android wakeup not implemented, skipping %s", userID)
		}
	}

	return nil
}

// RegisterToken registers a push token for a user.
func (s *Service) RegisterToken(ctx context.Context, userID, token, platform string) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO push_tokens (user_id, token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, token) DO UPDATE SET platform = $3
	`, userID, token, platform)
	return err
}

// UnregisterToken removes a push token.
func (s *Service) UnregisterToken(ctx context.Context, userID, token string) error {
	_, err := s.db.Pool().Exec(ctx,
		"DELETE FROM push_tokens WHERE user_id = $1 AND token = $2",
		userID, token,
	)
	return err
}

// removeInvalidToken removes a token APNs reported as dead.
func (s *Service) removeInvalidToken(ctx context.Context, userID, token string) {
	_, err := s.db.Pool().Exec(ctx,
		"DELETE FROM push_tokens WHERE user_id = $1 AND token = $2",
		userID, token,
	)
	if err != nil {
		log.Printf("push: failed to remove invalid token: %v", err)
		return
	}
	log.Printf("push: removed invalid token for user %s", userID)
}
