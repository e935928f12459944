package storage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNs wraps the Apple Push Notification service client. Notifications sent
// through it are wake-only: content-available pushes with no alert text and
// no payload data, so a compromised or misdelivered push never leaks
// plaintext or metadata beyond "something is waiting for you".
type APNs struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig holds configuration for APNs
type APNsConfig struct {
	KeyPath    string // Path to .p8 auth key file
	KeyID      string // Key ID from Apple Developer
	TeamID     string // Team ID from Apple Developer
	BundleID   string // App bundle ID (e.g., com.privrelay.app)
	Production bool   // Use production or sandbox environment
}

// NewAPNs creates a new APNs client.
// If keyPath is empty, returns a mock client that logs notifications instead
// of sending them, so the relay runs in development without Apple credentials.
func NewAPNs(cfg APNsConfig) (*APNs, error) {
	if cfg.KeyPath == "" {
		log.Println("APNs: No key path configured, using mock client")
		return &APNs{
			client:   nil,
			bundleID: cfg.BundleID,
		}, nil
	}

	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	tok := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(tok).Production()
	} else {
		client = apns2.NewTokenClient(tok).Development()
	}

	return &APNs{
		client:   client,
		bundleID: cfg.BundleID,
	}, nil
}

// SendWakeup pushes a silent, content-free notification telling the device to
// reconnect and drain its pending envelopes. It never carries a sender,
// message preview, or any other metadata.
func (a *APNs) SendWakeup(ctx context.Context, deviceToken string) error {
	if a.client == nil {
		log.Printf("APNs Mock: Would send wakeup push to %s", truncateToken(deviceToken))
		return nil
	}

	p := payload.NewPayload().ContentAvailable()

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.bundleID,
		Payload:     p,
		Expiration:  time.Now().Add(24 * time.Hour),
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeBackground,
	}

	res, err := a.client.PushWithContext(ctx, n)
	if err != nil {
		return err
	}

	if !res.Sent() {
		log.Printf("APNs: Failed to send wakeup to %s: %s (status %d)",
			truncateToken(deviceToken), res.Reason, res.StatusCode)

		if res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonUnregistered {
			return ErrInvalidToken
		}

		return errors.New(res.Reason)
	}

	return nil
}

// SendBatch sends wakeup notifications to multiple devices, returning which
// tokens were rejected as invalid so the caller can prune them.
func (a *APNs) SendBatch(ctx context.Context, tokens []string) (sent int, invalid []string) {
	for _, tok := range tokens {
		if err := a.SendWakeup(ctx, tok); err != nil {
			if errors.Is(err, ErrInvalidToken) {
				invalid = append(invalid, tok)
			}
			continue
		}
		sent++
	}
	return sent, invalid
}

// ErrInvalidToken indicates the device token is no longer valid
var ErrInvalidToken = errors.New("invalid or unregistered device token")

// truncateToken returns first 20 chars of token for logging
func truncateToken(token string) string {
	if len(token) > 20 {
		return token[:20] + "..."
	}
	return token
}
