package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/smg-radio/shellcache/internal/cache"
)

func TestInstallPopulatesShell(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	w := newWorker(t, testOptions(t, storage, network))

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("expected installed, got %s", w.State())
	}
	keys := cachedKeys(t, storage, w.CacheName())
	for _, path := range []string{"/", "/index.html", "/manifest.json"} {
		if !hasKey(keys, http.MethodGet, testOrigin+path) {
			t.Fatalf("shell entry %s missing: %v", path, keys)
		}
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	storage := newTestStorage(t)
	w := newWorker(t, testOptions(t, storage, newFakeNetwork()))

	for i := 0; i < 2; i++ {
		if err := w.Install(context.Background()); err != nil {
			t.Fatalf("install #%d error: %v", i+1, err)
		}
	}
	if keys := cachedKeys(t, storage, w.CacheName()); len(keys) != 3 {
		t.Fatalf("re-install must not duplicate entries: %v", keys)
	}
}

func TestInstallFailsWhenAnyShellResourceFails(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	network.set("/manifest.json", fakeRoute{status: http.StatusInternalServerError, body: "boom"})
	w := newWorker(t, testOptions(t, storage, network))

	if err := w.Install(context.Background()); err == nil {
		t.Fatalf("install should fail when a shell resource fails")
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant after first failed install, got %s", w.State())
	}
	if keys := cachedKeys(t, storage, w.CacheName()); len(keys) != 0 {
		t.Fatalf("failed install must not write entries: %v", keys)
	}
	if err := w.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestInstallFailsOnNetworkError(t *testing.T) {
	network := newFakeNetwork()
	network.goOffline()
	w := newWorker(t, testOptions(t, newTestStorage(t), network))
	if err := w.Install(context.Background()); !errors.Is(err, errOffline) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestReinstallFailureKeepsActiveWorker(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	w := newActiveWorker(t, testOptions(t, storage, network))

	network.set("/", fakeRoute{status: 200, body: "<html>v2</html>"})
	network.set("/manifest.json", fakeRoute{status: http.StatusBadGateway})
	if err := w.Install(context.Background()); err == nil {
		t.Fatalf("re-install should fail")
	}
	if w.State() != StateActivated {
		t.Fatalf("active worker must stay activated, got %s", w.State())
	}
	_, body := fetchBody(t, w, newRequest(t, http.MethodGet, testOrigin+"/"))
	if body != "<html>root</html>" {
		t.Fatalf("previous shell entry should be intact, got %q", body)
	}
}

func TestPutAllRollsBackOnWriteFailure(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	store, err := storage.Open(ctx, "smg-radio-player-v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	existing := cache.RequestKey{Method: http.MethodGet, URL: testOrigin + "/"}
	if err := store.Put(ctx, existing, &cache.Response{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	failing := &failingCache{Cache: store, failOn: testOrigin + "/manifest.json"}
	entries := []shellEntry{
		{key: existing, resp: &cache.Response{Status: 200, Body: []byte("new")}},
		{key: cache.RequestKey{Method: http.MethodGet, URL: testOrigin + "/index.html"}, resp: &cache.Response{Status: 200, Body: []byte("index")}},
		{key: cache.RequestKey{Method: http.MethodGet, URL: testOrigin + "/manifest.json"}, resp: &cache.Response{Status: 200, Body: []byte("{}")}},
	}
	if err := putAll(ctx, failing, entries); err == nil {
		t.Fatalf("putAll should report the write failure")
	}

	restored, err := store.Match(ctx, existing)
	if err != nil || string(restored.Body) != "old" {
		t.Fatalf("existing entry should be restored, got %v %v", restored, err)
	}
	if _, err := store.Match(ctx, entries[1].key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("entry written by the failed attempt should be removed, got %v", err)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	w := newWorker(t, testOptions(t, newTestStorage(t), newFakeNetwork()))
	if err := w.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	if w.State() != StateParsed {
		t.Fatalf("state should be unchanged, got %s", w.State())
	}
}

func TestActivatePurgesStaleCachesAndClaims(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	for _, name := range []string{"smg-radio-player-v0", "unrelated"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	opts := testOptions(t, storage, newFakeNetwork())
	clients := opts.Clients.(*fakeClients)
	w := newActiveWorker(t, opts)

	names, err := storage.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 1 || names[0] != "smg-radio-player-v1" {
		t.Fatalf("only the current cache should remain, got %v", names)
	}
	if clients.claimed.Load() != w || clients.count.Load() != 1 {
		t.Fatalf("worker should claim clients exactly once")
	}
	if w.State() != StateActivated {
		t.Fatalf("expected activated, got %s", w.State())
	}
}

func TestVersionRolloverDeletesOldCache(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork()
	v1 := newActiveWorker(t, testOptions(t, storage, network))
	oldKeys := cachedKeys(t, storage, v1.CacheName())
	if len(oldKeys) == 0 {
		t.Fatalf("v1 should have shell entries")
	}

	opts := testOptions(t, storage, network)
	opts.CacheName = "smg-radio-player-v2"
	newActiveWorker(t, opts)

	exists, err := storage.Has(context.Background(), "smg-radio-player-v1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if exists {
		t.Fatalf("old version cache should be deleted after activation")
	}
}

func TestActivateClaimsEvenWhenPurgeFails(t *testing.T) {
	storage := &failingStorage{Storage: newTestStorage(t), failDelete: true}
	if _, err := storage.Open(context.Background(), "smg-radio-player-v0"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	opts := testOptions(t, storage, newFakeNetwork())
	clients := opts.Clients.(*fakeClients)
	w := newWorker(t, opts)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(context.Background()); err == nil {
		t.Fatalf("purge failure should be reported")
	}
	if w.State() != StateActivated || clients.count.Load() != 1 {
		t.Fatalf("worker should still activate and claim, state=%s claims=%d", w.State(), clients.count.Load())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	base := testOptions(t, newTestStorage(t), newFakeNetwork())
	cases := map[string]func(o *Options){
		"cache name": func(o *Options) { o.CacheName = " " },
		"origin":     func(o *Options) { o.Origin = nil },
		"storage":    func(o *Options) { o.Storage = nil },
		"network":    func(o *Options) { o.Network = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

type failingCache struct {
	cache.Cache
	failOn string
}

func (c *failingCache) Put(ctx context.Context, key cache.RequestKey, resp *cache.Response) error {
	if key.URL == c.failOn {
		return errors.New("disk full")
	}
	return c.Cache.Put(ctx, key, resp)
}

type failingStorage struct {
	cache.Storage
	failDelete bool
	failOpen   bool
}

func (s *failingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if s.failOpen {
		return nil, errors.New("storage offline")
	}
	return s.Storage.Open(ctx, name)
}
