package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestStore starts a miniredis server and returns a RedisStore backed by
// it plus the server handle for clock manipulation.
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisGetMiss(t *testing.T) {
	s, _ := newTestStore(t)

	val, ok := s.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected miss, got hit")
	}
	if val != "" {
		t.Fatalf("expected empty value on miss, got %q", val)
	}
}

func TestRedisSetAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	key := "providers"
	want := `[{"name":"openrouter"}]`

	if err := s.Set(context.Background(), key, want, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if got != want {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisZeroTTLNeverExpires verifies that entries stored without a TTL
// survive an arbitrary clock advance. Breaker and provider entries rely on
// this — only transient keys carry a TTL.
func TestRedisZeroTTLNeverExpires(t *testing.T) {
	s, mr := newTestStore(t)

	if err := s.Set(context.Background(), "permanent", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(24 * time.Hour)

	if _, ok := s.Get(context.Background(), "permanent"); !ok {
		t.Fatal("entry without TTL must not expire")
	}
}

func TestRedisTTLExpires(t *testing.T) {
	s, mr := newTestStore(t)

	ttl := 10 * time.Second
	if err := s.Set(context.Background(), "ttl-key", "payload", ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := s.Get(context.Background(), "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := s.Get(context.Background(), "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedisDelete(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Set(context.Background(), "delete-key", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(context.Background(), "delete-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(context.Background(), "delete-key"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestRedisDeleteMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Delete(context.Background(), "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

// TestRedisGracefulDegradationGet verifies that Get returns ("", false) when
// Redis is unreachable instead of propagating an error to the request path.
func TestRedisGracefulDegradationGet(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	defer func() { _ = s.Close() }()

	mr.Close()

	val, ok := s.Get(context.Background(), "any-key")
	if ok || val != "" {
		t.Fatalf("expected miss when Redis is down, got ok=%v val=%q", ok, val)
	}
}

func TestRedisInvalidURL(t *testing.T) {
	_, err := NewRedisStoreFromURL(context.Background(), "not-a-valid-url")
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestRedisImplementsStore(t *testing.T) {
	var _ Store = (*RedisStore)(nil)
}
