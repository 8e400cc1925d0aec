package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YapperCore/yapper-sync/rooms"
	"github.com/YapperCore/yapper-sync/store"
)

// recordingOutbox captures delivered events per connection.
type recordingOutbox struct {
	mu     sync.Mutex
	events map[uuid.UUID][]Event
	reject map[uuid.UUID]bool
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{
		events: make(map[uuid.UUID][]Event),
		reject: make(map[uuid.UUID]bool),
	}
}

func (o *recordingOutbox) Deliver(connID uuid.UUID, ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reject[connID] {
		return false
	}
	o.events[connID] = append(o.events[connID], ev)
	return true
}

func (o *recordingOutbox) delivered(connID uuid.UUID) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events[connID]))
	copy(out, o.events[connID])
	return out
}

// failingStore fails Save on demand and records successful writes.
type failingStore struct {
	mu    sync.Mutex
	fail  bool
	saved []store.Document
}

func (s *failingStore) Load(_ context.Context, docID string) (store.Document, error) {
	return store.Document{}, store.ErrNotFound
}

func (s *failingStore) Save(_ context.Context, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.saved = append(s.saved, doc)
	return nil
}

func (s *failingStore) lastSaved() (store.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return store.Document{}, false
	}
	return s.saved[len(s.saved)-1], true
}

func newTestHub() (*Hub, *recordingOutbox, *failingStore) {
	out := newRecordingOutbox()
	st := &failingStore{}
	return New(rooms.NewRegistry(), out, st), out, st
}

func TestPublishPartialMergesAndBroadcasts(t *testing.T) {
	h, out, _ := newTestHub()
	watcher := uuid.New()
	h.Join("d1", watcher)

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "Hello"}}, 0)
	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 1, Text: "world"}}, 0)

	view, ok := h.Snapshot("d1")
	require.True(t, ok)
	assert.Equal(t, "Hello world", view.Content)
	assert.True(t, view.Streaming)
	assert.False(t, view.Complete)

	events := out.delivered(watcher)
	require.Len(t, events, 2)
	assert.Equal(t, EventPartialBatch, events[0].Type)
	assert.Equal(t, "Hello", events[0].Chunks[0].Text)
	assert.Equal(t, "world", events[1].Chunks[0].Text)
}

func TestPublishPartialProgressFromChunkCounts(t *testing.T) {
	h, out, _ := newTestHub()
	watcher := uuid.New()
	h.Join("d2", watcher)

	h.PublishPartial(context.Background(), "d2", []Chunk{{Index: 0, Total: 4, Text: "a"}}, 0)
	h.PublishPartial(context.Background(), "d2", []Chunk{{Index: 1, Total: 4, Text: "b"}}, 0)

	events := out.delivered(watcher)
	require.Len(t, events, 2)
	assert.InDelta(t, 25, events[0].Progress, 0.01)
	assert.InDelta(t, 50, events[1].Progress, 0.01)
}

func TestExplicitProgressWins(t *testing.T) {
	h, out, _ := newTestHub()
	watcher := uuid.New()
	h.Join("d2", watcher)

	h.PublishPartial(context.Background(), "d2", []Chunk{{Index: 0, Total: 4, Text: "a"}}, 80)

	events := out.delivered(watcher)
	require.Len(t, events, 1)
	assert.InDelta(t, 80, events[0].Progress, 0.01)
}

// Chunks arriving one per batch must merge to the same text as a single
// three-chunk batch.
func TestIncrementalBatchesMatchSingleBatch(t *testing.T) {
	h1, _, _ := newTestHub()
	chunks := []Chunk{
		{Index: 0, Total: 3, Text: "The meeting"},
		{Index: 1, Total: 3, Text: "started late"},
		{Index: 2, Total: 3, Text: "."},
	}
	for _, c := range chunks {
		h1.PublishPartial(context.Background(), "d2", []Chunk{c}, 0)
	}

	h2, _, _ := newTestHub()
	h2.PublishPartial(context.Background(), "d2", chunks, 0)

	v1, ok := h1.Snapshot("d2")
	require.True(t, ok)
	v2, ok := h2.Snapshot("d2")
	require.True(t, ok)
	assert.Equal(t, v2.Content, v1.Content)
	assert.Equal(t, "The meeting started late.", v1.Content)
}

func TestPublishFinalOverridesMergedContent(t *testing.T) {
	h, out, st := newTestHub()
	watcher := uuid.New()
	h.Join("d1", watcher)

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "drifted partial"}}, 0)
	h.PublishFinal(context.Background(), "d1", "authoritative text")

	view, ok := h.Snapshot("d1")
	require.True(t, ok)
	assert.True(t, view.Complete)
	assert.False(t, view.Streaming)
	assert.Equal(t, float64(100), view.Progress)
	assert.Equal(t, "authoritative text", view.Content)

	events := out.delivered(watcher)
	require.Len(t, events, 2)
	final := events[1]
	assert.Equal(t, EventFinalTranscript, final.Type)
	assert.True(t, final.Done)
	assert.Equal(t, "authoritative text", final.Content)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	saved, ok := st.lastSaved()
	require.True(t, ok)
	assert.Equal(t, "authoritative text", saved.Content)
	assert.True(t, saved.Complete)
}

func TestPublishFinalWithoutContentKeepsMerged(t *testing.T) {
	h, _, _ := newTestHub()

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "kept"}}, 0)
	h.PublishFinal(context.Background(), "d1", "")

	view, ok := h.Snapshot("d1")
	require.True(t, ok)
	assert.Equal(t, "kept", view.Content)
	assert.True(t, view.Complete)
}

func TestPublishErrorDoesNotComplete(t *testing.T) {
	h, out, _ := newTestHub()
	watcher := uuid.New()
	h.Join("d1", watcher)

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "so far"}}, 0)
	h.PublishError("d1", "worker crashed")

	view, ok := h.Snapshot("d1")
	require.True(t, ok)
	assert.True(t, view.Streaming)
	assert.False(t, view.Complete)

	events := out.delivered(watcher)
	require.Len(t, events, 2)
	assert.Equal(t, EventTranscriptionError, events[1].Type)
	assert.Equal(t, "worker crashed", events[1].Error)
}

func TestEditBroadcastExcludesSender(t *testing.T) {
	h, out, st := newTestHub()
	editor := uuid.New()
	watcher := uuid.New()
	h.Join("d1", editor)
	h.Join("d1", watcher)

	err := h.PublishEdit(context.Background(), "d1", editor, "new text")
	require.NoError(t, err)

	assert.Empty(t, out.delivered(editor))

	events := out.delivered(watcher)
	require.Len(t, events, 1)
	assert.Equal(t, EventDocContentUpdate, events[0].Type)
	assert.Equal(t, "new text", events[0].Content)

	saved, ok := st.lastSaved()
	require.True(t, ok)
	assert.Equal(t, "new text", saved.Content)
}

func TestEditPersistenceFailureReturnedToSenderOnly(t *testing.T) {
	h, out, st := newTestHub()
	st.fail = true
	editor := uuid.New()
	watcher := uuid.New()
	h.Join("d1", editor)
	h.Join("d1", watcher)

	err := h.PublishEdit(context.Background(), "d1", editor, "unsaved")
	require.Error(t, err)

	// the broadcast already went out and is not rolled back
	events := out.delivered(watcher)
	require.Len(t, events, 1)
	assert.Equal(t, "unsaved", events[0].Content)
	assert.Empty(t, out.delivered(editor))
}

func TestEditDuringStreamingLastWriteWins(t *testing.T) {
	h, _, _ := newTestHub()
	editor := uuid.New()
	h.Join("d1", editor)

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "partial"}}, 0)
	require.NoError(t, h.PublishEdit(context.Background(), "d1", editor, "edited"))

	view, _ := h.Snapshot("d1")
	assert.Equal(t, "edited", view.Content)

	// a later chunk wins again, merged onto the edit
	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 1, Text: "more"}}, 0)
	view, _ = h.Snapshot("d1")
	assert.Equal(t, "edited more", view.Content)
}

func TestUndeliverableMemberIsSkipped(t *testing.T) {
	h, out, _ := newTestHub()
	slow := uuid.New()
	healthy := uuid.New()
	h.Join("d1", slow)
	h.Join("d1", healthy)
	out.reject[slow] = true

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "hi"}}, 0)

	assert.Empty(t, out.delivered(slow))
	assert.Len(t, out.delivered(healthy), 1)
}

func TestCloseDocumentTearsDownState(t *testing.T) {
	h, out, _ := newTestHub()
	watcher := uuid.New()
	h.Join("d1", watcher)
	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "x"}}, 0)

	h.CloseDocument("d1")

	_, ok := h.Snapshot("d1")
	assert.False(t, ok)

	// no further deliveries after teardown
	before := len(out.delivered(watcher))
	h.PublishError("d1", "late")
	assert.Len(t, out.delivered(watcher), before)
}

func TestNewSessionAfterComplete(t *testing.T) {
	h, _, _ := newTestHub()

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "first"}}, 0)
	h.PublishFinal(context.Background(), "d1", "first session")

	h.PublishPartial(context.Background(), "d1", []Chunk{{Index: 0, Text: "again"}}, 0)

	view, ok := h.Snapshot("d1")
	require.True(t, ok)
	assert.True(t, view.Streaming)
	assert.False(t, view.Complete)
	assert.Equal(t, "first session again", view.Content)
}
