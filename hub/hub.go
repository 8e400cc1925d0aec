// Package hub is the broadcast core: it accepts transcript-progress and
// edit events for documents, folds transcript fragments into accumulated
// content, and fans the resulting events out to every connection watching
// the document.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/YapperCore/yapper-sync/merge"
	"github.com/YapperCore/yapper-sync/rooms"
	"github.com/YapperCore/yapper-sync/store"
)

// Outbox delivers an event to one connection. Deliver must not block; it
// returns false when the connection is gone or cannot keep up, in which
// case the transport is expected to drop that connection.
type Outbox interface {
	Deliver(connID uuid.UUID, ev Event) bool
}

// docState is the per-document session state. All mutation happens under
// its mutex, so operations on one document serialize while other documents
// proceed in parallel.
type docState struct {
	mu        sync.Mutex
	content   string
	streaming bool
	complete  bool
	progress  float64
	lastIndex int
	total     int
}

// Hub owns per-document merge state and the fan-out path. Membership lives
// in the rooms registry; durable content lives behind the store.
type Hub struct {
	registry *rooms.Registry
	out      Outbox
	store    store.Store

	mu   sync.Mutex
	docs map[string]*docState

	persists sync.WaitGroup
}

func New(registry *rooms.Registry, out Outbox, st store.Store) *Hub {
	return &Hub{
		registry: registry,
		out:      out,
		store:    st,
		docs:     make(map[string]*docState),
	}
}

// Join subscribes a connection to a document's live stream. It carries no
// content; initial sync happens over the document fetch path.
func (h *Hub) Join(docID string, connID uuid.UUID) {
	h.registry.Join(docID, connID)
}

func (h *Hub) Leave(docID string, connID uuid.UUID) {
	h.registry.Leave(docID, connID)
}

// DropConnection purges a terminated connection from every room.
func (h *Hub) DropConnection(connID uuid.UUID) {
	h.registry.DropConnection(connID)
}

// PublishPartial feeds a batch of transcript fragments from the worker into
// the document. The first call for an idle document opens a streaming
// session. The merged delta is broadcast to every room member.
func (h *Hub) PublishPartial(ctx context.Context, docID string, chunks []Chunk, progress float64) {
	if len(chunks) == 0 {
		return
	}

	d := h.doc(docID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		d.streaming = true
		d.complete = false
		d.lastIndex = 0
		d.total = 0
		slog.Debug("transcription session opened", "docID", docID)
	}

	d.content = merge.Merge(d.content, toMergeChunks(chunks))

	for _, c := range chunks {
		if c.Total > 0 {
			d.total = c.Total
		}
		if c.Index > d.lastIndex {
			d.lastIndex = c.Index
		}
	}
	d.progress = progress
	if d.progress == 0 && d.total > 0 {
		d.progress = float64(d.lastIndex+1) / float64(d.total) * 100
		if d.progress > 100 {
			d.progress = 100
		}
	}

	h.broadcast(docID, nil, Event{
		Type:     EventPartialBatch,
		DocID:    docID,
		Chunks:   chunks,
		Progress: d.progress,
	})
}

// PublishFinal closes the document's transcription session. The worker's
// final content, when provided, overrides any partial merge drift and is
// persisted best-effort.
func (h *Hub) PublishFinal(ctx context.Context, docID, content string) {
	d := h.doc(docID)
	d.mu.Lock()

	if content != "" {
		d.content = content
	}
	d.streaming = false
	d.complete = true
	d.progress = 100
	final := d.content

	h.broadcast(docID, nil, Event{
		Type:    EventFinalTranscript,
		DocID:   docID,
		Done:    true,
		Content: final,
	})
	d.mu.Unlock()

	h.persists.Add(1)
	go func() {
		defer h.persists.Done()
		doc := store.Document{ID: docID, Content: final, Complete: true}
		if err := h.store.Save(context.WithoutCancel(ctx), doc); err != nil {
			slog.Error("failed to persist final transcript", "error", err, "docID", docID)
		}
	}()

	slog.Info("transcription complete", "docID", docID, "chars", len(final))
}

// PublishError relays a worker-reported failure to the room. The session
// stays open; the worker decides whether to retry or finalize.
func (h *Hub) PublishError(docID, message string) {
	h.broadcast(docID, nil, Event{
		Type:  EventTranscriptionError,
		DocID: docID,
		Error: message,
	})
	slog.Warn("worker reported transcription error", "docID", docID, "error", message)
}

// PublishEdit applies a full-content edit from one connection, broadcasts
// it to every other room member, and persists it. The persistence error, if
// any, is returned to the submitting caller only; the broadcast is not
// rolled back.
func (h *Hub) PublishEdit(ctx context.Context, docID string, from uuid.UUID, content string) error {
	d := h.doc(docID)
	d.mu.Lock()
	d.content = content
	complete := d.complete

	h.broadcast(docID, &from, Event{
		Type:    EventDocContentUpdate,
		DocID:   docID,
		Content: content,
	})
	d.mu.Unlock()

	doc := store.Document{ID: docID, Content: content, Complete: complete}
	if err := h.store.Save(ctx, doc); err != nil {
		slog.Error("failed to persist edit", "error", err, "docID", docID, "connID", from)
		return err
	}
	return nil
}

// DocView is a point-in-time view of a document's live state.
type DocView struct {
	Content   string
	Progress  float64
	Streaming bool
	Complete  bool
}

// Snapshot reports the document's current merged state, if the hub has any.
func (h *Hub) Snapshot(docID string) (DocView, bool) {
	h.mu.Lock()
	d := h.docs[docID]
	h.mu.Unlock()
	if d == nil {
		return DocView{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return DocView{
		Content:   d.content,
		Progress:  d.progress,
		Streaming: d.streaming,
		Complete:  d.complete,
	}, true
}

// CloseDocument tears down the document's live state and room, e.g. after
// the external store deletes the document.
func (h *Hub) CloseDocument(docID string) {
	h.mu.Lock()
	delete(h.docs, docID)
	h.mu.Unlock()
	h.registry.CloseDoc(docID)
}

// Shutdown waits for in-flight persistence writes to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.persists.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcast delivers an event to the membership snapshot taken now. A
// member whose outbox refuses delivery is skipped; the transport drops it.
func (h *Hub) broadcast(docID string, exclude *uuid.UUID, ev Event) {
	for _, connID := range h.registry.Members(docID) {
		if exclude != nil && connID == *exclude {
			continue
		}
		if !h.out.Deliver(connID, ev) {
			slog.Warn("dropping undeliverable room member",
				"docID", docID,
				"connID", connID,
				"event", ev.Type)
		}
	}
}

func (h *Hub) doc(docID string) *docState {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.docs[docID]
	if d == nil {
		d = &docState{}
		h.docs[docID] = d
	}
	return d
}
