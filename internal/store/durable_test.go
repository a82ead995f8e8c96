package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestLayers(t *testing.T) (*MemoryLayer, *CookieLayer, *DatabaseLayer) {
	t.Helper()
	directory := t.TempDir()
	memoryLayer := NewMemoryLayer()
	cookieLayer := NewCookieLayer(filepath.Join(directory, "cookies.json"), 0)
	databaseLayer, err := NewDatabaseLayer(context.Background(), "sqlite://"+filepath.Join(directory, "values.db"))
	if err != nil {
		t.Fatalf("open database layer: %v", err)
	}
	return memoryLayer, cookieLayer, databaseLayer
}

func TestSetThenGetAcrossLayers(t *testing.T) {
	memoryLayer, cookieLayer, databaseLayer := newTestLayers(t)
	durable := NewDurableStore([]Layer{memoryLayer, cookieLayer, databaseLayer}, WithLogger(zaptest.NewLogger(t)))

	durable.Set(context.Background(), "device_id", "abc123")

	for _, layer := range []Layer{memoryLayer, cookieLayer, databaseLayer} {
		value, found, err := layer.Get(context.Background(), "framegen.device_id")
		if err != nil || !found || value != "abc123" {
			t.Fatalf("layer %s: value=%q found=%v err=%v", layer.Name(), value, found, err)
		}
	}
}

func TestGetRepairsHigherLayers(t *testing.T) {
	memoryLayer, cookieLayer, databaseLayer := newTestLayers(t)
	durable := NewDurableStore([]Layer{memoryLayer, cookieLayer, databaseLayer})

	// Seed only the lowest-priority layer, as if cache and cookie were wiped.
	if err := databaseLayer.Set(context.Background(), "framegen.session", `{"user_id":"u1"}`); err != nil {
		t.Fatalf("seed database layer: %v", err)
	}

	value, found := durable.Get(context.Background(), "session")
	if !found || value != `{"user_id":"u1"}` {
		t.Fatalf("expected repair read to succeed, got value=%q found=%v", value, found)
	}

	// GetSync skips the database, so a hit proves the repair write landed.
	syncValue, syncFound := durable.GetSync("session")
	if !syncFound || syncValue != `{"user_id":"u1"}` {
		t.Fatalf("expected synchronous layers repaired, got value=%q found=%v", syncValue, syncFound)
	}
}

func TestGetSyncSkipsDatabaseLayer(t *testing.T) {
	memoryLayer, cookieLayer, databaseLayer := newTestLayers(t)
	durable := NewDurableStore([]Layer{memoryLayer, cookieLayer, databaseLayer})

	if err := databaseLayer.Set(context.Background(), "framegen.only_db", "v"); err != nil {
		t.Fatalf("seed database layer: %v", err)
	}
	if _, found := durable.GetSync("only_db"); found {
		t.Fatalf("GetSync must not consult the database layer")
	}
	if _, found := durable.Get(context.Background(), "only_db"); !found {
		t.Fatalf("Get should still find the database value")
	}
}

func TestRemoveClearsEveryLayer(t *testing.T) {
	memoryLayer, cookieLayer, databaseLayer := newTestLayers(t)
	durable := NewDurableStore([]Layer{memoryLayer, cookieLayer, databaseLayer})

	durable.Set(context.Background(), "mode", "credits")
	durable.Remove(context.Background(), "mode")

	for _, layer := range []Layer{memoryLayer, cookieLayer, databaseLayer} {
		if _, found, _ := layer.Get(context.Background(), "framegen.mode"); found {
			t.Fatalf("layer %s still holds the removed key", layer.Name())
		}
	}
	// Removing again must be a no-op, not an error path.
	durable.Remove(context.Background(), "mode")
}

type brokenLayer struct{}

func (brokenLayer) Name() string        { return "broken" }
func (brokenLayer) Synchronous() bool   { return true }
func (brokenLayer) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("layer offline")
}
func (brokenLayer) Set(ctx context.Context, key string, value string) error {
	return errors.New("layer offline")
}
func (brokenLayer) Remove(ctx context.Context, key string) error {
	return errors.New("layer offline")
}

func TestFailOpenWithBrokenLayer(t *testing.T) {
	memoryLayer := NewMemoryLayer()
	durable := NewDurableStore([]Layer{brokenLayer{}, memoryLayer}, WithLogger(zaptest.NewLogger(t)))

	durable.Set(context.Background(), "k", "v")
	value, found := durable.Get(context.Background(), "k")
	if !found || value != "v" {
		t.Fatalf("expected healthy layer to serve the value, got value=%q found=%v", value, found)
	}
	durable.Remove(context.Background(), "k")
	if _, found := durable.Get(context.Background(), "k"); found {
		t.Fatalf("expected value removed from healthy layer")
	}
}

func TestEmptyKeyIsRejectedQuietly(t *testing.T) {
	durable := NewDurableStore([]Layer{NewMemoryLayer()})
	durable.Set(context.Background(), "  ", "v")
	if _, found := durable.Get(context.Background(), "  "); found {
		t.Fatalf("blank keys must not be stored")
	}
}

func TestCookieLayerRejectsOversizedValue(t *testing.T) {
	layer := NewCookieLayer(filepath.Join(t.TempDir(), "cookies.json"), 0)
	oversized := make([]byte, cookieValueLimit+1)
	if err := layer.Set(context.Background(), "k", string(oversized)); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestCookieLayerToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	layer := NewCookieLayer(path, 0)
	if _, found, err := layer.Get(context.Background(), "k"); err != nil || found {
		t.Fatalf("corrupt file must read as empty, found=%v err=%v", found, err)
	}
	if err := layer.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set after corruption: %v", err)
	}
	if value, found, _ := layer.Get(context.Background(), "k"); !found || value != "v" {
		t.Fatalf("expected recovered write, got value=%q found=%v", value, found)
	}
}

func TestCookieLayerExpiry(t *testing.T) {
	layer := NewCookieLayer(filepath.Join(t.TempDir(), "cookies.json"), time.Hour)
	current := time.Now().UTC()
	layer.now = func() time.Time { return current }

	if err := layer.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	current = current.Add(2 * time.Hour)
	if _, found, _ := layer.Get(context.Background(), "k"); found {
		t.Fatalf("expected record expired")
	}
}

func TestExternalDeletionReadsAsAbsent(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "cookies.json")
	layer := NewCookieLayer(path, 0)
	if err := layer.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	if _, found, err := layer.Get(context.Background(), "k"); err != nil || found {
		t.Fatalf("deleted file must behave as never-existed, found=%v err=%v", found, err)
	}
}

func TestOpenDatabaseRejectsUnknownScheme(t *testing.T) {
	if _, _, err := OpenDatabase("mysql://somewhere/db"); !errors.Is(err, ErrUnsupportedDialect) {
		t.Fatalf("expected ErrUnsupportedDialect, got %v", err)
	}
	if _, _, err := OpenDatabase("   "); err == nil {
		t.Fatalf("expected error for empty database URL")
	}
}
