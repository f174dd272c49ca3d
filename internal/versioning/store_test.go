package versioning

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	Text string
}

func newTestStore() (*Store[note], *MemoryBackend[note]) {
	backend := NewMemoryBackend[note]()
	return NewStore[note]("note", backend), backend
}

func activeCount(t *testing.T, s *Store[note], key Key) int {
	t.Helper()
	versions, err := s.ListVersions(context.Background(), key)
	require.NoError(t, err)
	n := 0
	for _, v := range versions {
		if v.IsActive {
			n++
		}
	}
	return n
}

func TestCreateNextVersion_Monotonic(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "msg-1"}

	v1, err := s.CreateNextVersion(ctx, key, note{"a"})
	require.NoError(t, err)
	v2, err := s.CreateNextVersion(ctx, key, note{"b"})
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "msg-1_v1", v1.ID)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "msg-1_v2", v2.ID)
	assert.Equal(t, v2.CreatedAt.Add(DefaultRetention), v2.ExpiresAt)

	active, err := s.GetActive(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, "b", active.Payload.Text)

	versions, err := s.ListVersions(ctx, key)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.False(t, versions[1].IsActive)
}

func TestSwitchActive_MissingVersion(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "2026-10-13"}

	_, err := s.CreateNextVersion(ctx, key, note{"a"})
	require.NoError(t, err)

	_, err = s.SwitchActive(ctx, key, 7)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	active, err := s.GetActive(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestSwitchActive_FlipsPointer(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "msg-2"}

	for i := 0; i < 3; i++ {
		_, err := s.CreateNextVersion(ctx, key, note{})
		require.NoError(t, err)
	}

	active, err := s.SwitchActive(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, 1, activeCount(t, s, key))
}

func TestKeysAreScopedByUser(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	mine := Key{UserID: uuid.New(), Name: "2026-10-13"}
	theirs := Key{UserID: uuid.New(), Name: "2026-10-13"}

	_, err := s.CreateNextVersion(ctx, mine, note{"mine"})
	require.NoError(t, err)

	active, err := s.GetActive(ctx, theirs)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSingleActiveInvariant(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "msg-3"}
	rng := rand.New(rand.NewSource(3))

	assert.Equal(t, 0, activeCount(t, s, key))

	created := 0
	for i := 0; i < 100; i++ {
		if created == 0 || rng.Intn(2) == 0 {
			_, err := s.CreateNextVersion(ctx, key, note{})
			require.NoError(t, err)
			created++
		} else {
			_, err := s.SwitchActive(ctx, key, 1+rng.Intn(created+1))
			if err != nil {
				require.ErrorIs(t, err, ErrVersionNotFound)
			}
		}
		require.Equal(t, 1, activeCount(t, s, key))
	}
}

func TestWaitForActive(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "msg-4"}

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.CreateNextVersion(ctx, key, note{"late"})
	}()

	v, err := s.WaitForActive(ctx, key, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "late", v.Payload.Text)
}

func TestWaitForActive_TimesOut(t *testing.T) {
	s, _ := newTestStore()

	v, err := s.WaitForActive(context.Background(), Key{Name: "never"}, 15*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryBackend_RejectsDuplicateVersion(t *testing.T) {
	b := NewMemoryBackend[note]()
	key := Key{Name: "k"}

	require.NoError(t, b.Insert(context.Background(), key, Version[note]{Version: 1}))
	assert.ErrorIs(t, b.Insert(context.Background(), key, Version[note]{Version: 1}), ErrVersionExists)
}

// staleBackend reports an outdated max once, as a racing writer would see it.
type staleBackend struct {
	*MemoryBackend[note]
	stale int
}

func (b *staleBackend) MaxVersion(ctx context.Context, key Key) (int, error) {
	if b.stale > 0 {
		b.stale--
		return 0, nil
	}
	return b.MemoryBackend.MaxVersion(ctx, key)
}

func TestCreateNextVersion_RetriesOnLostRace(t *testing.T) {
	backend := &staleBackend{MemoryBackend: NewMemoryBackend[note]()}
	s := NewStore[note]("note", backend)
	ctx := context.Background()
	key := Key{UserID: uuid.New(), Name: "msg-race"}

	_, err := s.CreateNextVersion(ctx, key, note{"first"})
	require.NoError(t, err)

	backend.stale = 1
	v, err := s.CreateNextVersion(ctx, key, note{"second"})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, 1, activeCount(t, s, key))

	backend.stale = maxCreateAttempts
	_, err = s.CreateNextVersion(ctx, key, note{"third"})
	assert.ErrorIs(t, err, ErrVersionExists)
}
