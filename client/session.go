// Package client is the connection session a Yapper process uses to watch
// and edit documents over the live stream. The session owns its websocket,
// reconnects with capped backoff when the transport drops, and replays its
// join intents after every reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YapperCore/yapper-sync/hub"
)

// ErrUnavailable is returned once the reconnect attempt cap is exhausted;
// callers should surface an offline/"real-time updates unavailable" state.
var ErrUnavailable = errors.New("real-time updates unavailable")

// ErrClosed is returned by operations on a session that has shut down.
var ErrClosed = errors.New("session closed")

// default retry delays between reconnect attempts (exponential backoff)
var defaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

const defaultMaxRetries = 5

// State is the transport state of a session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Config struct {
	// Websocket endpoint, e.g. ws://host:8454/ws
	URL string

	// Bearer credential issued by the auth service
	Token string

	// Identity reported to the server
	User string

	// Reconnect attempt cap; zero means the default of 5
	MaxRetries int

	// Delay table for reconnect attempts; the last entry repeats
	RetryDelays []time.Duration
}

// Session is one logical client connection. Events broadcast to joined
// documents arrive on Events until the session closes.
type Session struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	joined  map[string]struct{}
	state   State
	lastErr error

	events chan hub.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects and starts the session's read loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = defaultRetryDelays
	}

	s := &Session{
		cfg:    cfg,
		joined: make(map[string]struct{}),
		state:  StateConnecting,
		events: make(chan hub.Event, 64),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	err := s.connectLocked()
	if err == nil {
		s.state = StateOpen
	}
	s.mu.Unlock()
	if err != nil {
		s.cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	slog.Debug("session connected", "url", cfg.URL, "user", cfg.User)
	return s, nil
}

// connectLocked dials the websocket. Must be called with mu held.
func (s *Session) connectLocked() error {
	headers := http.Header{}
	if s.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if s.cfg.User != "" {
		headers.Set("X-Yapper-User", s.cfg.User)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.cfg.URL, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("auth rejected: %w", err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	s.conn = conn
	return nil
}

// Events delivers broadcasts for every joined document. The channel closes
// when the session terminates.
func (s *Session) Events() <-chan hub.Event {
	return s.events
}

// State reports the current transport state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session closed, if it has.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// JoinDoc subscribes to a document's live stream. The intent is remembered
// and replayed after reconnects; joining twice is harmless.
func (s *Session) JoinDoc(docID string) error {
	s.mu.Lock()
	s.joined[docID] = struct{}{}
	s.mu.Unlock()
	return s.send(hub.Event{Type: hub.EventJoinDoc, DocID: docID})
}

// LeaveDoc unsubscribes and forgets the join intent.
func (s *Session) LeaveDoc(docID string) error {
	s.mu.Lock()
	delete(s.joined, docID)
	s.mu.Unlock()
	return s.send(hub.Event{Type: hub.EventLeaveDoc, DocID: docID})
}

// EditDoc submits a full-content edit for a document.
func (s *Session) EditDoc(docID, content string) error {
	return s.send(hub.Event{Type: hub.EventEditDoc, DocID: docID, Content: content})
}

func (s *Session) send(ev hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		if s.lastErr != nil {
			return s.lastErr
		}
		return ErrClosed
	}
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			if !s.reconnect() {
				select {
				case <-s.ctx.Done():
					s.terminate(nil)
				default:
					s.terminate(ErrUnavailable)
				}
				return
			}
			continue
		}

		var ev hub.Event
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.ctx.Done():
				s.terminate(nil)
				return
			default:
			}

			slog.Debug("session read error, reconnecting", "error", err)
			s.mu.Lock()
			s.conn = nil
			s.state = StateConnecting
			s.mu.Unlock()
			continue
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			s.terminate(nil)
			return
		}
	}
}

// reconnect attempts to re-establish the connection, waiting between
// attempts per the delay table. On success the join intents are replayed
// and the attempt counter resets. Returns false once the cap is reached.
func (s *Session) reconnect() bool {
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay(attempt - 1)
			slog.Debug("session reconnect attempt", "attempt", attempt+1, "max", s.cfg.MaxRetries, "delay", delay)
			select {
			case <-s.ctx.Done():
				return false
			case <-time.After(delay):
			}
		}

		select {
		case <-s.ctx.Done():
			return false
		default:
		}

		s.mu.Lock()
		err := s.connectLocked()
		if err != nil {
			s.mu.Unlock()
			slog.Debug("session reconnect failed", "error", err)
			continue
		}
		// fresh connection, fresh server-side membership: replay joins
		// while still holding the write lock
		replayed := true
		for docID := range s.joined {
			if err := s.conn.WriteJSON(hub.Event{Type: hub.EventJoinDoc, DocID: docID}); err != nil {
				slog.Debug("join replay failed", "error", err, "docID", docID)
				replayed = false
				break
			}
		}
		if !replayed {
			s.conn.Close()
			s.conn = nil
			s.mu.Unlock()
			continue
		}

		s.state = StateOpen
		joined := len(s.joined)
		s.mu.Unlock()

		slog.Debug("session reconnected", "docs", joined)
		return true
	}
	return false
}

func (s *Session) retryDelay(i int) time.Duration {
	if i >= len(s.cfg.RetryDelays) {
		return s.cfg.RetryDelays[len(s.cfg.RetryDelays)-1]
	}
	return s.cfg.RetryDelays[i]
}

func (s *Session) terminate(reason error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		s.lastErr = reason
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
	}
	s.mu.Unlock()

	if reason != nil {
		slog.Warn("session terminated", "reason", reason)
	}
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	s.wg.Wait()
	s.terminate(nil)
	return nil
}
