// Package ingest is the boundary to the transcription worker. The worker
// drops one JSON fragment file per event into a spool directory; a watcher
// picks them up and a worker pool publishes them into the hub.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/YapperCore/yapper-sync/config"
	"github.com/YapperCore/yapper-sync/hub"
)

// Fragment is one event from the transcription worker. A fragment is either
// a chunk of transcript text, a final marker, or a worker error.
type Fragment struct {
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Total      int     `json:"total_chunks,omitempty"`
	Text       string  `json:"text,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	Done       bool    `json:"done,omitempty"`
	Content    string  `json:"content,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Publisher is the slice of the hub the ingester feeds.
type Publisher interface {
	PublishPartial(ctx context.Context, docID string, chunks []hub.Chunk, progress float64)
	PublishFinal(ctx context.Context, docID, content string)
	PublishError(docID, message string)
}

// spooledFragment pairs a parsed fragment with the file it came from so the
// worker can remove the file once the fragment is published.
type spooledFragment struct {
	path string
	frag Fragment
}

// Ingester watches the spool directory and publishes worker fragments.
// Each worker owns one lane, and a fragment's lane is chosen by hashing its
// doc_id, so fragments for one document always publish in arrival order
// while different documents still run in parallel.
type Ingester struct {
	cfg config.IngestConfig
	pub Publisher

	watcher   *fsnotify.Watcher
	lanes     []chan spooledFragment
	workers   sync.WaitGroup
	watchDone chan struct{}
}

func New(cfg config.IngestConfig, pub Publisher) (*Ingester, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	lanes := make([]chan spooledFragment, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan spooledFragment, cfg.QueueSize)
	}

	return &Ingester{
		cfg:       cfg,
		pub:       pub,
		watcher:   watcher,
		lanes:     lanes,
		watchDone: make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory. Fragments already present
// (dropped while this service was down) are queued first.
func (in *Ingester) Start(ctx context.Context) error {
	if err := os.MkdirAll(in.cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := in.watcher.Add(in.cfg.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	for _, lane := range in.lanes {
		in.workers.Add(1)
		go in.worker(ctx, lane)
	}

	entries, err := os.ReadDir(in.cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to scan spool directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isFragmentFile(e.Name()) {
			in.enqueue(filepath.Join(in.cfg.SpoolDir, e.Name()))
		}
	}

	go in.watch(ctx)

	slog.Info("watching transcript spool", "path", in.cfg.SpoolDir, "workers", in.cfg.Workers)
	return nil
}

// Stop drains the lanes and shuts the workers down. The watcher closes
// first so nothing new lands on them.
func (in *Ingester) Stop(ctx context.Context) error {
	if err := in.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	<-in.watchDone
	for _, lane := range in.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		in.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}
	return nil
}

func (in *Ingester) watch(ctx context.Context) {
	defer close(in.watchDone)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isFragmentFile(event.Name) {
				continue
			}
			in.enqueue(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("spool watcher error", "error", err)
		}
	}
}

// enqueue parses the fragment file and routes it onto its document's lane.
// Parsing happens here, before the fan-out, so the lane choice can follow
// doc_id.
func (in *Ingester) enqueue(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read transcript fragment", "error", err, "file", filepath.Base(path))
		}
		return
	}

	var frag Fragment
	if err := json.Unmarshal(data, &frag); err != nil {
		slog.Error("failed to parse transcript fragment", "error", err, "file", filepath.Base(path))
		return
	}

	lane := in.lanes[laneFor(frag.DocID, len(in.lanes))]
	select {
	case lane <- spooledFragment{path: path, frag: frag}:
		slog.Debug("queued transcript fragment", "file", filepath.Base(path), "docID", frag.DocID)
	default:
		slog.Error("fragment lane full, dropping file", "file", filepath.Base(path), "docID", frag.DocID)
	}
}

func (in *Ingester) worker(ctx context.Context, lane <-chan spooledFragment) {
	defer in.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case sp, ok := <-lane:
			if !ok {
				return
			}
			if err := in.Publish(ctx, sp.frag); err != nil {
				slog.Error("failed to publish transcript fragment",
					"error", err,
					"file", filepath.Base(sp.path))
				continue
			}
			if err := os.Remove(sp.path); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove processed fragment", "error", err, "file", filepath.Base(sp.path))
			}
		}
	}
}

func laneFor(docID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32() % uint32(lanes))
}

// Publish routes one worker fragment into the hub.
func (in *Ingester) Publish(ctx context.Context, frag Fragment) error {
	if frag.DocID == "" {
		return fmt.Errorf("fragment missing doc_id")
	}

	switch {
	case frag.Error != "":
		in.pub.PublishError(frag.DocID, frag.Error)

	case frag.Done:
		in.pub.PublishFinal(ctx, frag.DocID, frag.Content)

	default:
		chunk := hub.Chunk{
			Index: frag.ChunkIndex,
			Total: frag.Total,
			Text:  frag.Text,
		}
		in.pub.PublishPartial(ctx, frag.DocID, []hub.Chunk{chunk}, frag.Progress)
	}
	return nil
}

func isFragmentFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
