package tag

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicatePath is returned when registering a path that already exists.
	ErrDuplicatePath = errors.New("duplicate tag path")
	// ErrUnknownDriver is returned when a tag references a driver the
	// supervisor does not know about.
	ErrUnknownDriver = errors.New("unknown driver")
	// ErrDuplicateAddress is returned when registering a tag whose
	// (driver id, driver address) pair already belongs to another path.
	ErrDuplicateAddress = errors.New("duplicate driver address")
	// ErrTypeMismatch is returned by the administrative write path when a
	// value's kind conflicts with the tag's pinned kind.
	ErrTypeMismatch = errors.New("value type mismatch")
	// ErrIndexInconsistent reports a divergence between the registry and
	// its address index. The index must be rebuilt, not trusted.
	ErrIndexInconsistent = errors.New("address index inconsistent")
)

// addrKey is the composite key of the address index.
type addrKey struct {
	driverID string
	address  string
}

// entry wraps a Tag with its own lock so value updates on distinct paths
// never contend. The registry mutex only guards map topology.
type entry struct {
	mu   sync.RWMutex
	tag  Tag
	kind Kind // Pinned on the first non-null variant stored
}

// Store is the authoritative concurrent registry of tags, keyed by path.
// It also maintains the (driver id, driver address) -> path index; both
// structures are mutated only inside the same critical section, so the
// index can never reference a path absent from the registry.
type Store struct {
	mu    sync.RWMutex
	tags  map[string]*entry
	index map[addrKey]string

	// driverKnown is consulted at registration; nil accepts any driver.
	driverKnown func(driverID string) bool
}

// NewStore creates an empty tag store.
func NewStore() *Store {
	return &Store{
		tags:  make(map[string]*entry),
		index: make(map[addrKey]string),
	}
}

// SetDriverCheck installs the callback used to validate a tag's driver id
// at registration time. Typically wired to the supervisor registry.
func (s *Store) SetDriverCheck(fn func(driverID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driverKnown = fn
}

// Register adds a tag. A duplicate path, duplicate (driver id, driver
// address) pair, or unknown driver is rejected and the store is left
// untouched. Rejecting address reuse here keeps the index bijective, so
// every pair resolves to exactly one path.
func (s *Store) Register(t Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tags[t.Path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, t.Path)
	}
	key := addrKey{t.DriverID, t.DriverAddress}
	if other, exists := s.index[key]; exists {
		return fmt.Errorf("%w: (%s, %s) already registered as %s",
			ErrDuplicateAddress, t.DriverID, t.DriverAddress, other)
	}
	if s.driverKnown != nil && !s.driverKnown(t.DriverID) {
		return fmt.Errorf("%w: %s (tag %s)", ErrUnknownDriver, t.DriverID, t.Path)
	}

	e := &entry{tag: t, kind: t.Value.Variant.Kind()}
	s.tags[t.Path] = e
	s.index[key] = t.Path
	return nil
}

// Unregister removes a tag and its index entry. Returns false if the path
// was not registered.
func (s *Store) Unregister(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.tags[path]
	if !exists {
		return false
	}
	delete(s.tags, path)
	delete(s.index, addrKey{e.tag.DriverID, e.tag.DriverAddress})
	return true
}

// Read returns the tag's current value.
func (s *Store) Read(path string) (Value, bool) {
	s.mu.RLock()
	e, exists := s.tags[path]
	s.mu.RUnlock()
	if !exists {
		return Value{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tag.Value, true
}

// UpdateValue stores a new value for an existing tag. It returns false if
// the path is unknown; it never creates a tag.
//
// Two classes of update are silently discarded while still returning true
// (the tag exists and the caller's intent was recorded against it):
//   - a value whose timestamp is older than the one already stored, so a
//     slow read can never overwrite a newer one;
//   - a non-null variant whose kind differs from the tag's pinned kind.
func (s *Store) UpdateValue(path string, v Value) bool {
	s.mu.RLock()
	e, exists := s.tags[path]
	s.mu.RUnlock()
	if !exists {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if v.Timestamp.Before(e.tag.Value.Timestamp) {
		return true
	}
	k := v.Variant.Kind()
	if k != KindNull {
		if e.kind == KindNull {
			e.kind = k
		} else if k != e.kind {
			return true
		}
	} else if v.Quality != QualityGood {
		// Quality-only downgrade: keep the last known variant so consumers
		// still see the final value alongside Bad/Stale.
		v.Variant = e.tag.Value.Variant
	}
	e.tag.Value = v
	return true
}

// Kind returns the tag's pinned value kind, KindNull before the first
// non-null value.
func (s *Store) Kind(path string) (Kind, bool) {
	s.mu.RLock()
	e, exists := s.tags[path]
	s.mu.RUnlock()
	if !exists {
		return KindNull, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.kind, true
}

// CheckKind verifies that writing a variant of kind k to the tag would not
// violate its pinned value type. Used by the administrative write path to
// reject mismatches synchronously.
func (s *Store) CheckKind(path string, k Kind) error {
	s.mu.RLock()
	e, exists := s.tags[path]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("tag not found: %s", path)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.kind != KindNull && k != KindNull && k != e.kind {
		return fmt.Errorf("%w: tag %s holds %s, write is %s", ErrTypeMismatch, path, e.kind, k)
	}
	return nil
}

// ListPaths returns all registered paths. Order is not guaranteed.
func (s *Store) ListPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.tags))
	for p := range s.tags {
		paths = append(paths, p)
	}
	return paths
}

// GetDetails returns a copy of the full tag record.
func (s *Store) GetDetails(path string) (Tag, bool) {
	s.mu.RLock()
	e, exists := s.tags[path]
	s.mu.RUnlock()
	if !exists {
		return Tag{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyTag(&e.tag), true
}

// SnapshotAll returns a copy of every tag. Each record is internally
// consistent; the set as a whole may interleave with concurrent updates.
func (s *Store) SnapshotAll() []Tag {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tags))
	for _, e := range s.tags {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Tag, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, copyTag(&e.tag))
		e.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered tags.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

// FindPath resolves (driver id, driver address) to a tag path via the
// hash index. Constant time regardless of tag count.
func (s *Store) FindPath(driverID, address string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.index[addrKey{driverID, address}]
	return path, ok
}

// PathsForDriver returns the paths of all tags owned by the given driver.
func (s *Store) PathsForDriver(driverID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p, e := range s.tags {
		if e.tag.DriverID == driverID {
			paths = append(paths, p)
		}
	}
	return paths
}

// CheckIndex verifies the registry/index invariant in both directions:
// every index entry points at a live tag with matching address, and every
// tag has exactly its own index entry.
func (s *Store) CheckIndex() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, path := range s.index {
		e, exists := s.tags[path]
		if !exists {
			return fmt.Errorf("%w: index entry (%s,%s) -> missing path %s",
				ErrIndexInconsistent, key.driverID, key.address, path)
		}
		if e.tag.DriverID != key.driverID || e.tag.DriverAddress != key.address {
			return fmt.Errorf("%w: index entry (%s,%s) -> %s, tag has (%s,%s)",
				ErrIndexInconsistent, key.driverID, key.address, path,
				e.tag.DriverID, e.tag.DriverAddress)
		}
	}
	for path, e := range s.tags {
		got, ok := s.index[addrKey{e.tag.DriverID, e.tag.DriverAddress}]
		if !ok || got != path {
			return fmt.Errorf("%w: tag %s (%s,%s) has no index entry",
				ErrIndexInconsistent, path, e.tag.DriverID, e.tag.DriverAddress)
		}
	}
	return nil
}

// RebuildIndex reconstructs the address index from the registry. The index
// is a derived cache; after any detected inconsistency this is the only
// trusted recovery. Returns the number of entries that changed.
func (s *Store) RebuildIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[addrKey]string, len(s.tags))
	for path, e := range s.tags {
		fresh[addrKey{e.tag.DriverID, e.tag.DriverAddress}] = path
	}

	changed := 0
	for key, path := range fresh {
		if old, ok := s.index[key]; !ok || old != path {
			changed++
		}
	}
	for key := range s.index {
		if _, ok := fresh[key]; !ok {
			changed++
		}
	}
	s.index = fresh
	return changed
}

func copyTag(t *Tag) Tag {
	out := *t
	if t.Metadata != nil {
		out.Metadata = make([]Attribute, len(t.Metadata))
		copy(out.Metadata, t.Metadata)
	}
	return out
}
