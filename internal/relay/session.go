package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sarpel/privrelay/internal/metrics"
)

// The set of WebRTC signaling frame types. These are forwarded best-effort
// and never persisted - they have no meaning after the moment they're sent.
var signalingTypes = map[string]bool{
	"call_offer":    true,
	"call_answer":   true,
	"ice_candidate": true,
	"call_reject":   true,
	"call_end":      true,
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536

	// sendBufferSize bounds how many frames a stalled recipient can have
	// queued before Send starts reporting delivery failure.
	sendBufferSize = 256
)

// envelopeStore is the persistence surface the relay engine needs. *Store
// satisfies it; tests substitute an in-memory fake.
type envelopeStore interface {
	Enqueue(ctx context.Context, recipientID, senderID string, ciphertext []byte) error
	Drain(ctx context.Context, recipientID string) ([]QueuedEnvelope, error)
	Delete(ctx context.Context, recipientID, id string) error
}

// WakeupNotifier fires a best-effort push notification when an encrypted
// message is queued for an offline recipient. Implementations must not
// block the caller for long nor return plaintext-carrying errors.
type WakeupNotifier interface {
	NotifyUser(ctx context.Context, userID string) error
}

// writeJob is one outbound frame. ack, if non-nil, receives the write's
// error so a caller on another goroutine (drain) can block on the outcome;
// fire-and-forget sends (registry fan-out) leave it nil.
type writeJob struct {
	payload interface{}
	ack     chan error
}

// Session drives one authenticated connection through
// AUTHENTICATING -> DRAINING -> ACTIVE -> CLOSED. AUTHENTICATING and the
// transition into DRAINING happen in the handler before a Session is built;
// a Session always starts draining.
//
// All writes to conn are executed by the single pump goroutine: drained
// envelopes and live fan-out from other sessions arrive through send, and
// pings come from the pump's own ticker.
// gorilla/websocket allows exactly one concurrent writer per connection;
// anything else races.
type Session struct {
	userID   string
	conn     *websocket.Conn
	registry *Registry
	store    envelopeStore
	wakeup   WakeupNotifier
	send     chan writeJob
	stop     chan struct{}
}

// NewSession constructs a session for an already-registry-installed
// connection. wakeup may be nil.
func NewSession(userID string, conn *websocket.Conn, registry *Registry, store envelopeStore, wakeup WakeupNotifier) *Session {
	return &Session{
		userID:   userID,
		conn:     conn,
		registry: registry,
		store:    store,
		wakeup:   wakeup,
		send:     make(chan writeJob, sendBufferSize),
		stop:     make(chan struct{}),
	}
}

// Send enqueues frame for delivery over this session's connection. It is
// the Socket implementation the registry uses to fan out frames from other
// sessions, so it never blocks: a full buffer means this connection can't
// keep up, and the caller falls back to offline delivery instead of
// stalling its own read loop waiting on a stranger's socket.
func (s *Session) Send(frame interface{}) bool {
	select {
	case s.send <- writeJob{payload: frame}:
		return true
	default:
		return false
	}
}

// Close forcibly tears down the connection, e.g. on displacement by a newer
// session for the same user. No graceful close handshake is attempted.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run executes the drain phase followed by the active phase, blocking until
// the connection closes. It always unregisters and closes the socket on
// return.
func (s *Session) Run(ctx context.Context) {
	defer s.registry.Disconnect(s.userID, s)
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// The pump starts before draining: this user is already registry-visible
	// to other sessions' dispatch the moment Connect returned, so frames can
	// arrive on s.send before drain's first write.
	pumpDone := make(chan struct{})
	go s.pump(pumpDone)

	if s.drain(ctx) {
		s.active(ctx)
	}

	// drain or active may return without the pump ever seeing a failed
	// write (e.g. a store error, or a clean client-initiated close), so it
	// has to be told explicitly to stop rather than left waiting on send.
	close(s.stop)
	<-pumpDone
}

// writeAndWait hands frame to the pump and blocks for its write result, so
// drain can decide whether the corresponding envelope row is safe to delete.
func (s *Session) writeAndWait(ctx context.Context, frame interface{}) error {
	ack := make(chan error, 1)
	select {
	case s.send <- writeJob{payload: frame, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain delivers queued envelopes in timestamp order, deleting each row only
// after a successful send. A send failure mid-drain closes the connection;
// undeleted rows remain queued for the next reconnect.
func (s *Session) drain(ctx context.Context) bool {
	envelopes, err := s.store.Drain(ctx, s.userID)
	if err != nil {
		log.Printf("relay: drain failed for user %s: %v", redactUser(s.userID), err)
		return false
	}

	for _, env := range envelopes {
		frame := map[string]interface{}{
			"type":      "encrypted_message",
			"sender_id": env.SenderID,
			"payload":   base64.StdEncoding.EncodeToString(env.Ciphertext),
			"timestamp": env.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := s.writeAndWait(ctx, frame); err != nil {
			return false
		}
		if err := s.store.Delete(ctx, s.userID, env.ID); err != nil {
			log.Printf("relay: failed to delete drained envelope %s: %v", env.ID, err)
		}
		metrics.EnvelopesDrained.Inc()
	}
	return true
}

// active reads frames until the connection closes, dispatching each by type.
func (s *Session) active(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed JSON closes the connection.
			return
		}

		s.dispatch(ctx, frame)
	}
}

func (s *Session) dispatch(ctx context.Context, frame map[string]interface{}) {
	frameType, _ := frame["type"].(string)
	recipientID, _ := frame["recipient_id"].(string)
	if frameType == "" || recipientID == "" {
		return
	}

	switch {
	case frameType == "encrypted_message":
		s.dispatchEncryptedMessage(ctx, recipientID, frame)
	case signalingTypes[frameType]:
		s.dispatchSignaling(recipientID, frameType, frame)
	default:
		// Unknown types are ignored.
	}
}

func (s *Session) dispatchEncryptedMessage(ctx context.Context, recipientID string, frame map[string]interface{}) {
	payloadB64, _ := frame["payload"].(string)
	if payloadB64 == "" {
		return
	}

	out := map[string]interface{}{
		"type":      "encrypted_message",
		"sender_id": s.userID,
		"payload":   payloadB64,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.registry.Send(recipientID, out) {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return
	}
	if err := s.store.Enqueue(ctx, recipientID, s.userID, ciphertext); err != nil {
		log.Printf("relay: failed to enqueue envelope for %s: %v", redactUser(recipientID), err)
		return
	}
	metrics.EnvelopesQueued.Inc()
	if s.wakeup != nil {
		go func() {
			wakeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.wakeup.NotifyUser(wakeCtx, recipientID)
		}()
	}
}

// dispatchSignaling forwards a WebRTC signaling frame verbatim, with
// recipient_id stripped and sender_id injected. Never persisted: if the
// recipient is offline the frame is silently dropped.
func (s *Session) dispatchSignaling(recipientID, frameType string, frame map[string]interface{}) {
	out := make(map[string]interface{}, len(frame))
	for k, v := range frame {
		out[k] = v
	}
	delete(out, "recipient_id")
	out["type"] = frameType
	out["sender_id"] = s.userID

	s.registry.Send(recipientID, out)
}

// pump is the sole goroutine that ever calls a write method on conn. It
// drains queued frames (acking each one back to its caller, if any) and
// emits pings on its own ticker, so drain, live fan-out from other
// sessions, and keepalives never race for the connection.
func (s *Session) pump(done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case job, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteJSON(job.payload)
			if job.ack != nil {
				job.ack <- err
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}
