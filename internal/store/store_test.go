package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, SpacePending, "op-1", []byte(`{"id":"op-1"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	value, ok, err := s.Get(ctx, SpacePending, "op-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(value) != `{"id":"op-1"}` {
		t.Errorf("Get() value = %s, want literal JSON", value)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, SpacePending, "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true for missing key, want false")
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, SpaceFailed, "op-2", []byte("x"))
	if err := s.Delete(ctx, SpaceFailed, "op-2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, ok, _ := s.Get(ctx, SpaceFailed, "op-2")
	if ok {
		t.Error("key still present after Delete()")
	}

	// Deleting again is a no-op, not an error.
	if err := s.Delete(ctx, SpaceFailed, "op-2"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}

func TestStore_Scan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, SpaceIndex, "b", []byte("2"))
	s.Put(ctx, SpaceIndex, "a", []byte("1"))
	s.Put(ctx, SpaceIndex, "c", []byte("3"))

	var keys []string
	err := s.Scan(ctx, SpaceIndex, func(key string, value []byte) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Scan() returned %d keys, want %d", len(keys), len(want))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], k)
		}
	}
}

func TestStore_ScanStopsEarly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, SpaceIndex, "a", []byte("1"))
	s.Put(ctx, SpaceIndex, "b", []byte("2"))

	count := 0
	s.Scan(ctx, SpaceIndex, func(key string, value []byte) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Scan() visited %d keys, want 1 after early stop", count)
	}
}

func TestStore_CompareAndSet_NewKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSet(ctx, SpaceMeta, "lock", nil, []byte("holder-1"))
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if !ok {
		t.Fatal("CompareAndSet() ok = false for absent key, want true")
	}
}

func TestStore_CompareAndSet_Contention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CompareAndSet(ctx, SpaceMeta, "lock", nil, []byte("holder-1"))

	// Someone else's write wins the race: old value no longer matches.
	ok, err := s.CompareAndSet(ctx, SpaceMeta, "lock", []byte("holder-0"), []byte("holder-2"))
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if ok {
		t.Error("CompareAndSet() ok = true on mismatched old value, want false")
	}

	// The correct old value succeeds.
	ok, err = s.CompareAndSet(ctx, SpaceMeta, "lock", []byte("holder-1"), []byte("holder-2"))
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if !ok {
		t.Error("CompareAndSet() ok = false on matching old value, want true")
	}
}

func TestStore_Watch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := s.Watch(SpacePending)

	if err := s.Put(ctx, SpacePending, "op-3", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Key != "op-3" || ev.Delete {
			t.Errorf("Watch() event = %+v, want Put on op-3", ev)
		}
	default:
		t.Fatal("Watch() channel did not receive an event")
	}
}
