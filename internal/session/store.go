// Package session holds the signed-in user's profile and credit snapshot,
// persisted through the durable store, and publishes every change to
// subscribers so UI surfaces stay current without polling.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/framegen/authcore/internal/store"
	"go.uber.org/zap"
)

const sessionKey = "session"

// Session is the authenticated user snapshot. A persisted Session alone is
// never proof of an active server-side session: without a concurrently
// valid in-memory access token it is stale and must go through the
// refresh-or-reauthenticate path before privileged calls trust it.
type Session struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	DisplayName       string `json:"display_name,omitempty"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
	CreditBalance     int64  `json:"credit_balance"`
	IsNewAccount      bool   `json:"is_new_account"`
}

// Subscriber receives the new session on every Save, or nil on Clear.
type Subscriber func(current *Session)

// Store mediates session reads and writes through the durable store and
// fans out changes to subscribers. Notifications are delivered
// synchronously, in registration order.
type Store struct {
	mutex       sync.Mutex
	durable     *store.DurableStore
	logger      *zap.Logger
	subscribers map[int]Subscriber
	nextID      int
	order       []int
}

// NewStore constructs a Store over the durable store.
func NewStore(durable *store.DurableStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		durable:     durable,
		logger:      logger,
		subscribers: make(map[int]Subscriber),
	}
}

// Get returns the persisted session, consulting every storage layer.
func (sessions *Store) Get(ctx context.Context) *Session {
	raw, found := sessions.durable.Get(ctx, sessionKey)
	if !found {
		return nil
	}
	return decode(raw, sessions.logger)
}

// GetSync is the best-effort render-time variant; it consults only the
// synchronous storage layers.
func (sessions *Store) GetSync() *Session {
	raw, found := sessions.durable.GetSync(sessionKey)
	if !found {
		return nil
	}
	return decode(raw, sessions.logger)
}

// Save persists the session and publishes it. Storage failures are
// fail-open: the publish happens regardless so the UI stays responsive.
func (sessions *Store) Save(ctx context.Context, current *Session) {
	if current == nil {
		sessions.Clear(ctx)
		return
	}
	raw, marshalErr := json.Marshal(current)
	if marshalErr != nil {
		sessions.logger.Warn("session serialization failed",
			zap.String("code", "session.save.marshal_failed"),
			zap.Error(marshalErr))
	} else {
		sessions.durable.Set(ctx, sessionKey, string(raw))
	}
	sessions.publish(current)
}

// Clear removes the persisted session from every layer and publishes nil.
func (sessions *Store) Clear(ctx context.Context) {
	sessions.durable.Remove(ctx, sessionKey)
	sessions.publish(nil)
}

// UpdateCreditBalance patches the persisted balance; a missing session is a
// no-op. Every billed API response that reports remaining credits funnels
// through here.
func (sessions *Store) UpdateCreditBalance(ctx context.Context, newBalance int64) {
	current := sessions.Get(ctx)
	if current == nil {
		return
	}
	updated := *current
	updated.CreditBalance = newBalance
	sessions.Save(ctx, &updated)
}

// Subscribe registers a listener and returns its disposer. Subscribers may
// come and go freely as UI components mount and unmount.
func (sessions *Store) Subscribe(subscriber Subscriber) func() {
	sessions.mutex.Lock()
	defer sessions.mutex.Unlock()

	id := sessions.nextID
	sessions.nextID++
	sessions.subscribers[id] = subscriber
	sessions.order = append(sessions.order, id)

	return func() {
		sessions.mutex.Lock()
		defer sessions.mutex.Unlock()
		delete(sessions.subscribers, id)
	}
}

func (sessions *Store) publish(current *Session) {
	sessions.mutex.Lock()
	ordered := make([]Subscriber, 0, len(sessions.subscribers))
	for _, id := range sessions.order {
		if subscriber, ok := sessions.subscribers[id]; ok {
			ordered = append(ordered, subscriber)
		}
	}
	sessions.mutex.Unlock()

	for _, subscriber := range ordered {
		subscriber(current)
	}
}

func decode(raw string, logger *zap.Logger) *Session {
	var current Session
	if unmarshalErr := json.Unmarshal([]byte(raw), &current); unmarshalErr != nil {
		logger.Warn("discarding undecodable session snapshot",
			zap.String("code", "session.decode_failed"),
			zap.Error(unmarshalErr))
		return nil
	}
	return &current
}
