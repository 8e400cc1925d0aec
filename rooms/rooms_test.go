package rooms

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := uuid.New()

	r.Join("d1", conn)
	r.Join("d1", conn)

	members := r.Members("d1")
	require.Len(t, members, 1)
	assert.Equal(t, conn, members[0])
}

func TestJoinPreservesOriginalJoinTime(t *testing.T) {
	r := NewRegistry()
	conn := uuid.New()

	r.Join("d1", conn)
	first, ok := r.JoinedAt("d1", conn)
	require.True(t, ok)

	r.Join("d1", conn)
	second, ok := r.JoinedAt("d1", conn)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := uuid.New()

	r.Leave("d1", conn) // never joined
	r.Join("d1", conn)
	r.Leave("d1", conn)
	r.Leave("d1", conn)

	assert.Empty(t, r.Members("d1"))
}

func TestMembersReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	a, b := uuid.New(), uuid.New()
	r.Join("d1", a)
	r.Join("d1", b)

	snapshot := r.Members("d1")
	require.Len(t, snapshot, 2)

	r.Leave("d1", a)
	r.Leave("d1", b)

	// the earlier snapshot is unaffected by the mutations
	assert.Len(t, snapshot, 2)
	assert.Empty(t, r.Members("d1"))
}

func TestDropConnectionRemovesFromAllDocs(t *testing.T) {
	r := NewRegistry()
	gone, stays := uuid.New(), uuid.New()

	r.Join("d1", gone)
	r.Join("d2", gone)
	r.Join("d2", stays)

	r.DropConnection(gone)

	assert.Empty(t, r.Members("d1"))
	members := r.Members("d2")
	require.Len(t, members, 1)
	assert.Equal(t, stays, members[0])
}

// A connection that drops and rejoins ends up with exactly one membership
// entry for the document.
func TestRejoinAfterDrop(t *testing.T) {
	r := NewRegistry()
	conn := uuid.New()

	r.Join("d1", conn)
	r.DropConnection(conn)
	r.Join("d1", conn)

	members := r.Members("d1")
	require.Len(t, members, 1)
	assert.Equal(t, conn, members[0])
}

func TestCloseDoc(t *testing.T) {
	r := NewRegistry()
	conn := uuid.New()
	r.Join("d1", conn)

	r.CloseDoc("d1")

	assert.Empty(t, r.Members("d1"))
}

// A join racing the last leaver's room teardown must still register. The
// joiner retries against the fresh room instead of writing into the one
// being discarded.
func TestJoinNotLostToConcurrentTeardown(t *testing.T) {
	r := NewRegistry()
	stay, flicker := uuid.New(), uuid.New()

	for i := 0; i < 5000; i++ {
		r.Join("d1", flicker)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Join("d1", stay)
		}()
		go func() {
			defer wg.Done()
			r.Leave("d1", flicker)
		}()
		wg.Wait()

		require.Contains(t, r.Members("d1"), stay)
		r.Leave("d1", stay)
	}
}

// Same window against DropConnection, which also discards emptied rooms.
func TestJoinNotLostToConcurrentDrop(t *testing.T) {
	r := NewRegistry()
	stay, flicker := uuid.New(), uuid.New()

	for i := 0; i < 5000; i++ {
		r.Join("d1", flicker)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Join("d1", stay)
		}()
		go func() {
			defer wg.Done()
			r.DropConnection(flicker)
		}()
		wg.Wait()

		require.Contains(t, r.Members("d1"), stay)
		r.Leave("d1", stay)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	docs := []string{"d1", "d2", "d3"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := uuid.New()
			for j := 0; j < 100; j++ {
				doc := docs[j%len(docs)]
				r.Join(doc, conn)
				r.Members(doc)
				r.Leave(doc, conn)
			}
			r.DropConnection(conn)
		}()
	}
	wg.Wait()

	for _, doc := range docs {
		assert.Empty(t, r.Members(doc))
	}
}
