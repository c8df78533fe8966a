package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type countingOutbound struct {
	closed atomic.Int32
}

func (c *countingOutbound) Close() { c.closed.Add(1) }

func TestRegisterAndSnapshot(t *testing.T) {
	r := New()

	alice := uuid.New()
	bob := uuid.New()
	require.NoError(t, r.Register(alice, "alice", nil))
	require.NoError(t, r.Register(bob, "bob", nil))

	assert.Equal(t, []string{"alice", "bob"}, r.SnapshotUsernames())
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Deregister(alice))
	assert.Equal(t, []string{"bob"}, r.SnapshotUsernames())
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	r := New()
	id := uuid.New()

	require.NoError(t, r.Register(id, "alice", nil))
	err := r.Register(id, "mallory", nil)

	require.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, []string{"alice"}, r.SnapshotUsernames())
}

func TestDuplicateUsernamesAllowed(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(uuid.New(), "sam", nil))
	require.NoError(t, r.Register(uuid.New(), "sam", nil))

	assert.Equal(t, []string{"sam", "sam"}, r.SnapshotUsernames())
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(uuid.New(), "alice", nil))

	assert.False(t, r.Deregister(uuid.New()))
	assert.Equal(t, 1, r.Len())
}

func TestSnapshotOfEmptyRegistry(t *testing.T) {
	r := New()

	users := r.SnapshotUsernames()
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestCloseAll(t *testing.T) {
	r := New()
	a := &countingOutbound{}
	b := &countingOutbound{}
	require.NoError(t, r.Register(uuid.New(), "a", a))
	require.NoError(t, r.Register(uuid.New(), "b", b))
	require.NoError(t, r.Register(uuid.New(), "no handle", nil))

	assert.Equal(t, 2, r.CloseAll())
	assert.EqualValues(t, 1, a.closed.Load())
	assert.EqualValues(t, 1, b.closed.Load())
	assert.Equal(t, 3, r.Len(), "CloseAll must not remove sessions")
}

func TestConcurrentRegistration(t *testing.T) {
	r := New()
	const workers = 50

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, workers)
	for i := 0; i < workers; i++ {
		ids[i] = uuid.New()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Register(ids[i], fmt.Sprintf("user-%d", i), nil))
			_ = r.SnapshotUsernames()
		}(i)
	}
	wg.Wait()
	require.Equal(t, workers, r.Len())

	for i := 0; i < workers; i += 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Deregister(ids[i])
		}(i)
	}
	wg.Wait()

	users := r.SnapshotUsernames()
	require.Len(t, users, workers/2)
	for _, name := range users {
		var n int
		_, err := fmt.Sscanf(name, "user-%d", &n)
		require.NoError(t, err)
		assert.Equal(t, 1, n%2, "deregistered user %q still visible", name)
	}
}

// TestSnapshotMatchesModel checks that after any sequence of registrations and
// deregistrations the snapshot equals the set of live usernames.
func TestSnapshotMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		live := map[uuid.UUID]string{}
		var known []uuid.UUID

		steps := rapid.IntRange(0, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(known) == 0 || rapid.Bool().Draw(t, "register") {
				id := uuid.New()
				name := rapid.SampledFrom([]string{"alice", "bob", "carol", ""}).Draw(t, "name")
				if err := r.Register(id, name, nil); err != nil {
					t.Fatalf("register: %v", err)
				}
				live[id] = name
				known = append(known, id)
				continue
			}

			id := rapid.SampledFrom(known).Draw(t, "victim")
			_, wasLive := live[id]
			if got := r.Deregister(id); got != wasLive {
				t.Fatalf("Deregister(%s) = %v, want %v", id, got, wasLive)
			}
			delete(live, id)
		}

		want := make([]string, 0, len(live))
		for _, name := range live {
			want = append(want, name)
		}
		got := r.SnapshotUsernames()
		sort.Strings(want)
		sort.Strings(got)

		if !assert.ObjectsAreEqual(want, got) {
			t.Fatalf("snapshot %v, want %v", got, want)
		}
		if r.Len() != len(live) {
			t.Fatalf("Len() = %d, want %d", r.Len(), len(live))
		}
	})
}
