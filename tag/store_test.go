package tag

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testTag(path, driverID, address string) Tag {
	return Tag{Path: path, DriverID: driverID, DriverAddress: address, PollRate: time.Second}
}

func TestStoreRegister(t *testing.T) {
	t.Run("rejects duplicate path", func(t *testing.T) {
		s := NewStore()
		if err := s.Register(testTag("plant/line1/temp", "d1", "ns=2;s=Temp")); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		err := s.Register(testTag("plant/line1/temp", "d1", "ns=2;s=Other"))
		if !errors.Is(err, ErrDuplicatePath) {
			t.Errorf("expected ErrDuplicatePath, got %v", err)
		}
		if s.Len() != 1 {
			t.Errorf("expected 1 tag, got %d", s.Len())
		}
	})

	t.Run("rejects duplicate driver address", func(t *testing.T) {
		s := NewStore()
		if err := s.Register(testTag("a", "d1", "ns=2;s=Temp")); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		err := s.Register(testTag("b", "d1", "ns=2;s=Temp"))
		if !errors.Is(err, ErrDuplicateAddress) {
			t.Fatalf("expected ErrDuplicateAddress, got %v", err)
		}
		// The first tag keeps its routing; the index stays consistent.
		if path, _ := s.FindPath("d1", "ns=2;s=Temp"); path != "a" {
			t.Errorf("FindPath = %q, want a", path)
		}
		if s.Len() != 1 {
			t.Errorf("rejected tag was stored: len = %d", s.Len())
		}
		if err := s.CheckIndex(); err != nil {
			t.Errorf("index inconsistent after rejection: %v", err)
		}
		// The same address on a different driver is a different pair.
		if err := s.Register(testTag("c", "d2", "ns=2;s=Temp")); err != nil {
			t.Errorf("distinct driver rejected: %v", err)
		}
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		s := NewStore()
		s.SetDriverCheck(func(id string) bool { return id == "d1" })

		if err := s.Register(testTag("a", "d1", "addr1")); err != nil {
			t.Fatalf("known driver rejected: %v", err)
		}
		err := s.Register(testTag("b", "ghost", "addr2"))
		if !errors.Is(err, ErrUnknownDriver) {
			t.Errorf("expected ErrUnknownDriver, got %v", err)
		}
		if _, ok := s.Read("b"); ok {
			t.Error("rejected tag is readable")
		}
		if _, ok := s.FindPath("ghost", "addr2"); ok {
			t.Error("rejected tag left an index entry")
		}
	})

	t.Run("indexes address at registration", func(t *testing.T) {
		s := NewStore()
		if err := s.Register(testTag("plant/line1/temp", "d1", "ns=2;s=Temp")); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		path, ok := s.FindPath("d1", "ns=2;s=Temp")
		if !ok || path != "plant/line1/temp" {
			t.Errorf("FindPath = %q, %v", path, ok)
		}
	})
}

func TestStoreUnregister(t *testing.T) {
	s := NewStore()
	if err := s.Register(testTag("a", "d1", "addr1")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !s.Unregister("a") {
		t.Fatal("Unregister returned false for registered path")
	}
	if s.Unregister("a") {
		t.Error("Unregister returned true for missing path")
	}
	if _, ok := s.FindPath("d1", "addr1"); ok {
		t.Error("index entry survived unregister")
	}
	if err := s.CheckIndex(); err != nil {
		t.Errorf("index inconsistent after unregister: %v", err)
	}
}

func TestStoreUpdateValue(t *testing.T) {
	t.Run("never creates a tag", func(t *testing.T) {
		s := NewStore()
		if s.UpdateValue("missing", NewValue(IntVariant(1), QualityGood)) {
			t.Error("update of unknown path returned true")
		}
		if s.Len() != 0 {
			t.Error("update created a tag")
		}
	})

	t.Run("stores value and quality", func(t *testing.T) {
		s := NewStore()
		s.Register(testTag("a", "d1", "addr1"))

		if !s.UpdateValue("a", NewValue(IntVariant(42), QualityGood)) {
			t.Fatal("update returned false")
		}
		v, ok := s.Read("a")
		if !ok {
			t.Fatal("read failed")
		}
		if got, _ := v.Variant.Int(); got != 42 {
			t.Errorf("value = %d, want 42", got)
		}
		if v.Quality != QualityGood {
			t.Errorf("quality = %s, want Good", v.Quality)
		}
	})

	t.Run("discards older timestamp", func(t *testing.T) {
		s := NewStore()
		s.Register(testTag("a", "d1", "addr1"))

		now := time.Now()
		s.UpdateValue("a", Value{Variant: IntVariant(2), Quality: QualityGood, Timestamp: now})
		if !s.UpdateValue("a", Value{Variant: IntVariant(1), Quality: QualityGood, Timestamp: now.Add(-time.Second)}) {
			t.Error("stale update should still return true")
		}

		v, _ := s.Read("a")
		if got, _ := v.Variant.Int(); got != 2 {
			t.Errorf("stale write overwrote newer value: got %d", got)
		}
	})

	t.Run("pins kind on first non-null value", func(t *testing.T) {
		s := NewStore()
		s.Register(testTag("a", "d1", "addr1"))

		s.UpdateValue("a", NewValue(FloatVariant(1.5), QualityGood))
		if k, _ := s.Kind("a"); k != KindFloat {
			t.Fatalf("kind = %s, want Float", k)
		}

		// A mismatched kind is discarded, not stored.
		s.UpdateValue("a", NewValue(TextVariant("oops"), QualityGood))
		v, _ := s.Read("a")
		if got, _ := v.Variant.Float(); got != 1.5 {
			t.Errorf("mismatched kind replaced value: %v", v.Variant)
		}
	})

	t.Run("quality downgrade preserves last variant", func(t *testing.T) {
		s := NewStore()
		s.Register(testTag("a", "d1", "addr1"))

		s.UpdateValue("a", NewValue(IntVariant(7), QualityGood))
		s.UpdateValue("a", BadValue(QualityStale))

		v, _ := s.Read("a")
		if v.Quality != QualityStale {
			t.Errorf("quality = %s, want Stale", v.Quality)
		}
		if got, _ := v.Variant.Int(); got != 7 {
			t.Errorf("downgrade lost last known value: %v", v.Variant)
		}
	})
}

func TestStoreCheckKind(t *testing.T) {
	s := NewStore()
	s.Register(testTag("a", "d1", "addr1"))

	// Unpinned tag accepts anything.
	if err := s.CheckKind("a", KindText); err != nil {
		t.Errorf("unpinned tag rejected write: %v", err)
	}

	s.UpdateValue("a", NewValue(IntVariant(1), QualityGood))
	if err := s.CheckKind("a", KindInt); err != nil {
		t.Errorf("matching kind rejected: %v", err)
	}
	if err := s.CheckKind("a", KindBool); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if err := s.CheckKind("missing", KindInt); err == nil {
		t.Error("unknown path accepted")
	}
}

func TestStoreSnapshotAll(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("tag%d", i)
		s.Register(testTag(path, "d1", fmt.Sprintf("addr%d", i)))
		s.UpdateValue(path, NewValue(IntVariant(int64(i)), QualityGood))
	}

	snap := s.SnapshotAll()
	if len(snap) != 5 {
		t.Fatalf("snapshot has %d tags, want 5", len(snap))
	}
	for _, rec := range snap {
		if rec.Value.Quality != QualityGood {
			t.Errorf("%s: quality %s", rec.Path, rec.Value.Quality)
		}
	}

	// Mutating the snapshot must not touch the store.
	snap[0].Metadata = append(snap[0].Metadata, Attribute{Key: "x", Value: "y"})
	if rec, _ := s.GetDetails(snap[0].Path); len(rec.Metadata) != 0 {
		t.Error("snapshot mutation leaked into store")
	}
}

func TestStoreIndexRecovery(t *testing.T) {
	s := NewStore()
	s.Register(testTag("a", "d1", "addr1"))
	s.Register(testTag("b", "d1", "addr2"))

	if err := s.CheckIndex(); err != nil {
		t.Fatalf("fresh store inconsistent: %v", err)
	}

	// Corrupt the index directly to simulate a bug elsewhere.
	s.mu.Lock()
	s.index[addrKey{"d1", "addr1"}] = "b"
	s.mu.Unlock()

	if err := s.CheckIndex(); !errors.Is(err, ErrIndexInconsistent) {
		t.Fatalf("corruption not detected: %v", err)
	}

	if changed := s.RebuildIndex(); changed == 0 {
		t.Error("rebuild reported no changes on corrupted index")
	}
	if err := s.CheckIndex(); err != nil {
		t.Errorf("index still inconsistent after rebuild: %v", err)
	}
	if path, _ := s.FindPath("d1", "addr1"); path != "a" {
		t.Errorf("FindPath after rebuild = %q, want a", path)
	}
}

func TestStoreConcurrentDistinctPaths(t *testing.T) {
	s := NewStore()
	const tags = 16
	const updates = 500

	for i := 0; i < tags; i++ {
		s.Register(testTag(fmt.Sprintf("tag%d", i), "d1", fmt.Sprintf("addr%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < tags; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := fmt.Sprintf("tag%d", n)
			for j := 0; j < updates; j++ {
				s.UpdateValue(path, NewValue(IntVariant(int64(j)), QualityGood))
				s.Read(path)
			}
		}(i)
	}
	// Concurrent readers across the whole set.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.SnapshotAll()
				s.FindPath("d1", "addr3")
			}
		}()
	}
	wg.Wait()

	for i := 0; i < tags; i++ {
		v, ok := s.Read(fmt.Sprintf("tag%d", i))
		if !ok {
			t.Fatalf("tag%d missing after concurrent updates", i)
		}
		if got, _ := v.Variant.Int(); got != updates-1 {
			t.Errorf("tag%d final value = %d, want %d", i, got, updates-1)
		}
	}
}

func BenchmarkFindPath(b *testing.B) {
	s := NewStore()
	const n = 100000
	for i := 0; i < n; i++ {
		s.Register(testTag(fmt.Sprintf("plant/area%d/tag%d", i%100, i), "d1", fmt.Sprintf("ns=2;s=Tag%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := s.FindPath("d1", fmt.Sprintf("ns=2;s=Tag%d", i%n)); !ok {
			b.Fatal("lookup failed")
		}
	}
}
