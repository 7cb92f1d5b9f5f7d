package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load missing: want ErrNotFound, got %v", err)
	}
	if _, err := s.Load(ctx, ""); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Load empty id: want ErrInvalidID, got %v", err)
	}
	if err := s.Save(ctx, "", Flags{}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Save empty id: want ErrInvalidID, got %v", err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, "m1", Flags{Muted: true, LastResponseAt: at}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Muted || !got.LastResponseAt.Equal(at) {
		t.Fatalf("want muted with %v, got %+v", at, got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("want UpdatedAt stamped on save")
	}

	if err := s.Save(ctx, "m1", Flags{Muted: false, LastResponseAt: at}); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if got, _ := s.Load(ctx, "m1"); got.Muted {
		t.Fatal("want overwrite to clear muted")
	}

	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "never-saved"); err != nil {
		t.Fatalf("Delete unknown: want nil, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	s, _ := setupRedisStore(t)
	storeContract(t, s)
}

func TestRedisStore_KeyLayoutAndTTL(t *testing.T) {
	t.Parallel()

	s, mr := setupRedisStore(t, WithPrefix("test"), WithTTL(time.Hour))
	ctx := context.Background()

	if err := s.Save(ctx, "abc", Flags{Muted: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("test:meeting:abc") {
		t.Fatalf("want key test:meeting:abc, got keys %v", mr.Keys())
	}
	if ttl := mr.TTL("test:meeting:abc"); ttl != time.Hour {
		t.Fatalf("want TTL 1h, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Load(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want expiry, got %v", err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	t.Parallel()

	s, mr := setupRedisStore(t)
	if err := mr.Set("boardobserver:meeting:bad", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Load(context.Background(), "bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("want decode error, got %v", err)
	}
}

func TestOpenRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if _, err := OpenRedis(context.Background(), "not a url"); err == nil {
		t.Fatal("want parse error")
	}
}
