package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/smg-radio/shellcache/internal/logging"
)

func TestBackgroundWriterStoresEntry(t *testing.T) {
	storage := newTestStorage(t, "fs")
	openCache(t, storage, "player-v1")
	writer := NewBackgroundWriter(storage, logging.Discard(), time.Second)

	key := RequestKey{Method: http.MethodGet, URL: "http://player.local/app.js"}
	writer.Enqueue("player-v1", key, &Response{Status: 200, Body: []byte("console.log(1)")})
	writer.Wait()

	resp, err := openCache(t, storage, "player-v1").Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(resp.Body) != "console.log(1)" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func TestBackgroundWriterSkipsDeletedCache(t *testing.T) {
	storage := newTestStorage(t, "fs")
	writer := NewBackgroundWriter(storage, logging.Discard(), time.Second)

	err := writer.Put(context.Background(), "player-v0", RequestKey{Method: http.MethodGet, URL: "http://player.local/"}, &Response{Status: 200})
	if !errors.Is(err, ErrCacheDeleted) {
		t.Fatalf("expected ErrCacheDeleted, got %v", err)
	}
	if ok, _ := storage.Has(context.Background(), "player-v0"); ok {
		t.Fatalf("writer must not recreate a deleted cache")
	}
}

func TestBackgroundWriterWithoutStorage(t *testing.T) {
	writer := NewBackgroundWriter(nil, nil, 0)
	if writer.Enabled() {
		t.Fatalf("writer without storage must be disabled")
	}
	writer.Enqueue("player-v1", RequestKey{Method: http.MethodGet, URL: "http://player.local/"}, &Response{Status: 200})
	writer.Wait()
	if err := writer.Put(context.Background(), "player-v1", RequestKey{}, nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
