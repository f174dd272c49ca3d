package versioning

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrVersionExists = errors.New("version already exists")

// MemoryBackend keeps versions in process. Each method holds the lock for its
// whole write, which gives the same atomicity as a store batch.
type MemoryBackend[P any] struct {
	mu       sync.RWMutex
	versions map[Key][]Version[P]
}

func NewMemoryBackend[P any]() *MemoryBackend[P] {
	return &MemoryBackend[P]{versions: make(map[Key][]Version[P])}
}

func (b *MemoryBackend[P]) MaxVersion(ctx context.Context, key Key) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	latest := 0
	for _, v := range b.versions[key] {
		if v.Version > latest {
			latest = v.Version
		}
	}
	return latest, nil
}

func (b *MemoryBackend[P]) Insert(ctx context.Context, key Key, v Version[P]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.versions[key]
	for _, e := range existing {
		if e.Version == v.Version {
			return ErrVersionExists
		}
	}
	for i := range existing {
		existing[i].IsActive = false
	}
	v.IsActive = true
	b.versions[key] = append(existing, v)
	return nil
}

func (b *MemoryBackend[P]) Exists(ctx context.Context, key Key, version int) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, v := range b.versions[key] {
		if v.Version == version {
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBackend[P]) Activate(ctx context.Context, key Key, version int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.versions[key]
	found := false
	for _, v := range versions {
		if v.Version == version {
			found = true
		}
	}
	if !found {
		return ErrVersionNotFound
	}
	for i := range versions {
		versions[i].IsActive = versions[i].Version == version
	}
	return nil
}

func (b *MemoryBackend[P]) Active(ctx context.Context, key Key) (*Version[P], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, v := range b.versions[key] {
		if v.IsActive {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

func (b *MemoryBackend[P]) List(ctx context.Context, key Key) ([]Version[P], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Version[P], len(b.versions[key]))
	copy(out, b.versions[key])
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Update applies fn to the payload of every version matching match and
// returns how many were touched.
func (b *MemoryBackend[P]) Update(match func(Version[P]) bool, fn func(*P)) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key, versions := range b.versions {
		for i := range versions {
			if match(versions[i]) {
				fn(&versions[i].Payload)
				n++
			}
		}
		b.versions[key] = versions
	}
	return n
}

// Delete removes every version for which match returns true.
func (b *MemoryBackend[P]) Delete(match func(Version[P]) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for key, versions := range b.versions {
		kept := versions[:0]
		for _, v := range versions {
			if match(v) {
				n++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(b.versions, key)
		} else {
			b.versions[key] = kept
		}
	}
	return n
}
