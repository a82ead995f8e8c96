package session

import (
	"context"
	"testing"

	"github.com/framegen/authcore/internal/store"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	durable := store.NewDurableStore([]store.Layer{store.NewMemoryLayer()})
	return NewStore(durable, zaptest.NewLogger(t))
}

func TestSaveThenGetRoundTrip(t *testing.T) {
	sessions := newTestStore(t)
	sessions.Save(context.Background(), &Session{
		UserID:        "u1",
		Email:         "user@example.com",
		DisplayName:   "User",
		CreditBalance: 10,
	})

	loaded := sessions.Get(context.Background())
	if loaded == nil || loaded.UserID != "u1" || loaded.CreditBalance != 10 {
		t.Fatalf("unexpected loaded session: %+v", loaded)
	}
	if sync := sessions.GetSync(); sync == nil || sync.Email != "user@example.com" {
		t.Fatalf("unexpected GetSync result: %+v", sync)
	}
}

func TestSubscribersReceiveSavesInRegistrationOrder(t *testing.T) {
	sessions := newTestStore(t)

	var deliveries []string
	sessions.Subscribe(func(current *Session) {
		deliveries = append(deliveries, "first")
	})
	sessions.Subscribe(func(current *Session) {
		deliveries = append(deliveries, "second")
	})

	sessions.Save(context.Background(), &Session{UserID: "u1"})
	if len(deliveries) != 2 || deliveries[0] != "first" || deliveries[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", deliveries)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	sessions := newTestStore(t)

	calls := 0
	unsubscribe := sessions.Subscribe(func(current *Session) { calls++ })
	sessions.Save(context.Background(), &Session{UserID: "u1"})
	unsubscribe()
	sessions.Save(context.Background(), &Session{UserID: "u2"})

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func TestClearPublishesNilAndRemovesSnapshot(t *testing.T) {
	sessions := newTestStore(t)
	sessions.Save(context.Background(), &Session{UserID: "u1"})

	var sawNil bool
	sessions.Subscribe(func(current *Session) {
		if current == nil {
			sawNil = true
		}
	})
	sessions.Clear(context.Background())

	if !sawNil {
		t.Fatalf("expected subscribers to receive nil on clear")
	}
	if sessions.Get(context.Background()) != nil {
		t.Fatalf("expected no persisted session after clear")
	}
	if sessions.GetSync() != nil {
		t.Fatalf("expected no synchronous session after clear")
	}
}

func TestUpdateCreditBalancePatchesAndNotifies(t *testing.T) {
	sessions := newTestStore(t)
	sessions.Save(context.Background(), &Session{UserID: "u1", CreditBalance: 10})

	var observed int64 = -1
	sessions.Subscribe(func(current *Session) {
		if current != nil {
			observed = current.CreditBalance
		}
	})

	sessions.UpdateCreditBalance(context.Background(), 42)
	if observed != 42 {
		t.Fatalf("expected subscriber to observe balance 42, got %d", observed)
	}
	if loaded := sessions.Get(context.Background()); loaded == nil || loaded.CreditBalance != 42 {
		t.Fatalf("expected persisted balance 42, got %+v", loaded)
	}
}

func TestUpdateCreditBalanceWithoutSessionIsNoOp(t *testing.T) {
	sessions := newTestStore(t)

	notified := false
	sessions.Subscribe(func(current *Session) { notified = true })
	sessions.UpdateCreditBalance(context.Background(), 42)

	if notified {
		t.Fatalf("no session means no notification")
	}
	if sessions.Get(context.Background()) != nil {
		t.Fatalf("no session must be created by a balance patch")
	}
}
