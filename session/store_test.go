package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewStore(rdb, opts), mr
}

func TestLoadUnknownIDReturnsFreshBag(t *testing.T) {
	store, _ := newSessionStoreTest(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"", "not-a-uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427"} {
		bag, err := store.Load(ctx, id)
		if err != nil {
			t.Fatalf("load %q: %v", id, err)
		}
		if !bag.Fresh() || bag.ID() == id || len(bag.Values()) != 0 {
			t.Fatalf("expected a fresh bag for %q, got id=%s", id, bag.ID())
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{IdleTTL: 20 * time.Minute})
	ctx := context.Background()

	bag := store.New()
	bag.Set("auth_user_id", "7")
	bag.Set("_csrf_token", "abc")
	if err := store.Save(ctx, bag); err != nil {
		t.Fatalf("save: %v", err)
	}
	if bag.Dirty() || bag.Fresh() {
		t.Fatalf("saved bag must be clean")
	}
	if ttl := mr.TTL("gk:sess:" + bag.ID()); ttl != 20*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	loaded, err := store.Load(ctx, bag.ID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := loaded.Get("auth_user_id"); v != "7" || loaded.Fresh() {
		t.Fatalf("unexpected loaded bag %+v", loaded.Values())
	}
}

func TestBagExpiresAfterIdleTTL(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{IdleTTL: time.Minute})
	ctx := context.Background()

	bag := store.New()
	bag.Set("k", "v")
	if err := store.Save(ctx, bag); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(50 * time.Second)
	if err := store.Touch(ctx, bag.ID()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mr.FastForward(50 * time.Second)
	if loaded, _ := store.Load(ctx, bag.ID()); loaded.Fresh() {
		t.Fatalf("touched bag must survive")
	}

	mr.FastForward(2 * time.Minute)
	if loaded, _ := store.Load(ctx, bag.ID()); !loaded.Fresh() {
		t.Fatalf("idle bag must expire")
	}
}

func TestRegenerateRetiresOldID(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{})
	ctx := context.Background()

	bag := store.New()
	bag.Set("pre", "login")
	if err := bag.Regenerate(); err != nil {
		t.Fatalf("regenerate fresh bag: %v", err)
	}
	if err := store.Save(ctx, bag); err != nil {
		t.Fatalf("save: %v", err)
	}
	oldID := bag.ID()

	if err := bag.Regenerate(); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if bag.ID() == oldID {
		t.Fatalf("regenerate must change the id")
	}
	if v, _ := bag.Get("pre"); v != "login" {
		t.Fatalf("regenerate must keep values")
	}
	if err := store.Save(ctx, bag); err != nil {
		t.Fatalf("save: %v", err)
	}

	if mr.Exists("gk:sess:" + oldID) {
		t.Fatalf("old id must be deleted on save")
	}
	if loaded, _ := store.Load(ctx, oldID); !loaded.Fresh() {
		t.Fatalf("old id must not resolve")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{OwnerKey: "auth_user_id"})
	ctx := context.Background()

	bag := store.New()
	bag.Set("auth_user_id", "9")
	if err := store.Save(ctx, bag); err != nil {
		t.Fatalf("save: %v", err)
	}
	id := bag.ID()

	if err := store.Destroy(ctx, bag); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := store.Destroy(ctx, bag); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if mr.Exists("gk:sess:" + id) {
		t.Fatalf("bag must be gone")
	}
	if n, _ := store.OwnerSessionCount(ctx, "9"); n != 0 {
		t.Fatalf("owner index must drop the bag, got %d", n)
	}
}

func TestDestroyOwnerEndsEverySession(t *testing.T) {
	store, _ := newSessionStoreTest(t, Options{OwnerKey: "auth_user_id"})
	ctx := context.Background()

	var ids []string
	for range 3 {
		bag := store.New()
		bag.Set("auth_user_id", "12")
		if err := store.Save(ctx, bag); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, bag.ID())
	}
	other := store.New()
	other.Set("auth_user_id", "13")
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("save: %v", err)
	}

	if n, _ := store.OwnerSessionCount(ctx, "12"); n != 3 {
		t.Fatalf("expected 3 indexed sessions, got %d", n)
	}
	n, err := store.DestroyOwner(ctx, "12")
	if err != nil || n != 3 {
		t.Fatalf("destroy owner: n=%d err=%v", n, err)
	}
	for _, id := range ids {
		if loaded, _ := store.Load(ctx, id); !loaded.Fresh() {
			t.Fatalf("session %s must be gone", id)
		}
	}
	if loaded, _ := store.Load(ctx, other.ID()); loaded.Fresh() {
		t.Fatalf("other owners must be untouched")
	}
}

func TestCorruptDataLoadsFreshBag(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{})
	ctx := context.Background()

	id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	if err := mr.Set("gk:sess:"+id, "\x09garbage"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	bag, err := store.Load(ctx, id)
	if err != nil || !bag.Fresh() {
		t.Fatalf("expected a fresh bag, got fresh=%v err=%v", bag.Fresh(), err)
	}
}

func TestRedisFailureIsReported(t *testing.T) {
	store, mr := newSessionStoreTest(t, Options{})
	ctx := context.Background()

	bag := store.New()
	bag.Set("k", "v")
	mr.Close()

	if err := store.Save(ctx, bag); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if _, err := store.Load(ctx, "1b4e28ba-2fa1-11d2-883f-0016d3cca427"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
