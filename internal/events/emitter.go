package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

var timeNow = time.Now

// Masker redacts secret values from a string before it is persisted.
// Satisfied by (*varctx.Context).Mask.
type Masker func(string) string

// Emitter is the single process-wide event sink (spec.md §9 "Global
// state": initialized at driver start, torn down at exit, passed
// explicitly through constructors — never an ambient global).
//
// Emit is safe to call from any goroutine and never blocks: the channel
// is bounded, and a full channel is handled by dropping the oldest queued
// event to make room, per spec.md §6 "a bounded channel with drop-oldest
// policy on overflow is acceptable; drops are themselves logged."
type Emitter struct {
	ch     chan Event
	mask   Masker
	fs     afero.Fs
	path   string
	file   afero.File
	encMu  sync.Mutex
	dropMu sync.Mutex
	dropN  int

	done chan struct{}
}

// NewEmitter creates an emitter appending JSONL events to
// <baseDir>/events/<repo>/<session>.jsonl.
func NewEmitter(fs afero.Fs, baseDir, repo, session string, capacity int, mask Masker) (*Emitter, error) {
	if capacity <= 0 {
		capacity = 256
	}
	dir := filepath.Join(baseDir, "events", repo)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, session+".jsonl")
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if mask == nil {
		mask = func(s string) string { return s }
	}
	return &Emitter{
		ch:   make(chan Event, capacity),
		mask: mask,
		fs:   fs,
		path: path,
		file: f,
		done: make(chan struct{}),
	}, nil
}

// Emit enqueues e for persistence, masking secret substrings first.
// Never blocks the caller.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = timeNow()
	}
	ev.Payload = e.maskPayload(ev.Payload)
	ev.ItemID = e.mask(ev.ItemID)
	ev.AgentID = e.mask(ev.AgentID)

	select {
	case e.ch <- ev:
		return
	default:
	}

	// Channel full: drop the oldest queued event to make room.
	select {
	case <-e.ch:
		e.dropMu.Lock()
		e.dropN++
		e.dropMu.Unlock()
	default:
	}
	select {
	case e.ch <- ev:
	default:
		// Lost the race against another producer; the event is dropped too.
		e.dropMu.Lock()
		e.dropN++
		e.dropMu.Unlock()
	}
}

func (e *Emitter) maskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			masked[k] = e.mask(s)
		} else {
			masked[k] = v
		}
	}
	return masked
}

// Run drains the channel, appending each event as one JSON line, until
// Close is called and the channel is empty. It should run in its own
// goroutine for the lifetime of the session.
func (e *Emitter) Run() {
	for ev := range e.ch {
		e.write(ev)
	}
	if e.dropN > 0 {
		e.write(Event{Kind: KindEventsDropped, Payload: map[string]any{"dropped": e.dropN}})
	}
	close(e.done)
}

func (e *Emitter) write(ev Event) {
	e.encMu.Lock()
	defer e.encMu.Unlock()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = e.file.Write(data)
}

// Close stops accepting new events, waits for the drain goroutine
// started by Run to finish, and closes the underlying file.
func (e *Emitter) Close() error {
	close(e.ch)
	<-e.done
	return e.file.Close()
}

// DroppedCount returns how many events have been dropped so far due to
// channel overflow.
func (e *Emitter) DroppedCount() int {
	e.dropMu.Lock()
	defer e.dropMu.Unlock()
	return e.dropN
}
