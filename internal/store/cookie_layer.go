package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cookieValueLimit matches the value cap browsers apply to a single cookie.
const cookieValueLimit = 4096

// CookieLayer persists small values in a single file with cookie-like
// semantics: capped value size, per-record expiry, and tolerance for the
// file being truncated or deleted out from under the process. A missing or
// corrupt file reads as empty, never as an error.
type CookieLayer struct {
	mutex sync.Mutex
	path  string
	ttl   time.Duration
	now   func() time.Time
}

type cookieRecord struct {
	Value       string `json:"value"`
	ExpiresUnix int64  `json:"expires_unix"`
}

// NewCookieLayer constructs a file-backed layer at the given path. Records
// expire after ttl; a non-positive ttl means records never expire.
func NewCookieLayer(path string, ttl time.Duration) *CookieLayer {
	return &CookieLayer{
		path: path,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Name labels the layer in logs.
func (layer *CookieLayer) Name() string {
	return "cookiefile"
}

// Synchronous reports that the file layer is safe for GetSync.
func (layer *CookieLayer) Synchronous() bool {
	return true
}

// Get returns the stored value if present and unexpired.
func (layer *CookieLayer) Get(ctx context.Context, key string) (string, bool, error) {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	records := layer.load()
	record, ok := records[key]
	if !ok {
		return "", false, nil
	}
	if record.ExpiresUnix != 0 && layer.now().After(time.Unix(record.ExpiresUnix, 0)) {
		delete(records, key)
		_ = layer.persist(records)
		return "", false, nil
	}
	return record.Value, true, nil
}

// Set stores the value, rejecting values beyond the cookie size cap.
func (layer *CookieLayer) Set(ctx context.Context, key string, value string) error {
	if len(value) > cookieValueLimit {
		return fmt.Errorf("cookie_layer.set: %w", ErrValueTooLarge)
	}
	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	records := layer.load()
	expiresUnix := int64(0)
	if layer.ttl > 0 {
		expiresUnix = layer.now().Add(layer.ttl).Unix()
	}
	records[key] = cookieRecord{Value: value, ExpiresUnix: expiresUnix}
	return layer.persist(records)
}

// Remove deletes the value; a missing record or file is not an error.
func (layer *CookieLayer) Remove(ctx context.Context, key string) error {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	records := layer.load()
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return layer.persist(records)
}

func (layer *CookieLayer) load() map[string]cookieRecord {
	records := make(map[string]cookieRecord)
	raw, readErr := os.ReadFile(layer.path)
	if readErr != nil {
		return records
	}
	if unmarshalErr := json.Unmarshal(raw, &records); unmarshalErr != nil {
		return make(map[string]cookieRecord)
	}
	return records
}

func (layer *CookieLayer) persist(records map[string]cookieRecord) error {
	raw, marshalErr := json.Marshal(records)
	if marshalErr != nil {
		return fmt.Errorf("cookie_layer.persist: %w", marshalErr)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(layer.path), 0o700); mkdirErr != nil {
		return fmt.Errorf("cookie_layer.persist: %w", mkdirErr)
	}
	temporaryPath := layer.path + ".tmp"
	if writeErr := os.WriteFile(temporaryPath, raw, 0o600); writeErr != nil {
		return fmt.Errorf("cookie_layer.persist: %w", writeErr)
	}
	if renameErr := os.Rename(temporaryPath, layer.path); renameErr != nil {
		return fmt.Errorf("cookie_layer.persist: %w", renameErr)
	}
	return nil
}
