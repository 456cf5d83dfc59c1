package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resume failure modes, mapped by the handler onto wire errors.
var (
	ErrUnknownToken  = errors.New("stream: unknown or already-used resume token")
	ErrUnknownStream = errors.New("stream: unknown stream")
	ErrReplayTooLate = errors.New("stream: completed stream has been evicted past replay")
)

// DefaultRetention keeps a completed stream's ring available for resume.
const DefaultRetention = 3 * time.Minute

type tokenRecord struct {
	streamID string
	lastSeq  uint64
}

// Registry owns every live and recently-completed stream plus the resume
// token index.
type Registry struct {
	mu        sync.Mutex
	streams   map[string]*Stream
	tokens    map[string]tokenRecord
	capacity  int
	retention time.Duration

	done chan struct{}
	once sync.Once
}

// NewRegistry builds a Registry and starts its eviction janitor.
// capacity <= 0 selects DefaultCapacity; retention <= 0 DefaultRetention.
func NewRegistry(capacity int, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		streams:   make(map[string]*Stream),
		tokens:    make(map[string]tokenRecord),
		capacity:  capacity,
		retention: retention,
		done:      make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Close stops the janitor.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// Create registers a new stream with a fresh id.
func (r *Registry) Create() *Stream {
	s := newStream(uuid.NewString(), r.capacity)
	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get looks a stream up by id.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// IssueResumeToken mints an opaque token bound to the stream's current
// tail and appends the resume event advertising it.
func (r *Registry) IssueResumeToken(s *Stream) (string, error) {
	token := uuid.NewString()
	lastSeq := s.LastSeq()

	r.mu.Lock()
	r.tokens[token] = tokenRecord{streamID: s.ID, lastSeq: lastSeq}
	r.mu.Unlock()

	if _, err := s.Append(EventResume, map[string]any{"resume_token": token}); err != nil {
		return "", err
	}
	return token, nil
}

// ResumeResult hands a resume attempt's replay snapshot plus the live
// continuation channel (nil when the stream already completed).
type ResumeResult struct {
	Stream   *Stream
	Replay   []Event
	Live     <-chan Event
	Cancel   func()
	Complete bool
}

// ResumeLive redeems a token: the buffered events past the token's
// sequence are replayed and, when the stream is still producing, a live
// subscription continues from the tail. Tokens are single use.
//
// A completed stream whose tail has been fully evicted resolves to
// ErrReplayTooLate rather than a synthesized terminal event.
func (r *Registry) ResumeLive(token string) (*ResumeResult, error) {
	r.mu.Lock()
	rec, ok := r.tokens[token]
	if ok {
		delete(r.tokens, token)
	}
	s := r.streams[rec.streamID]
	r.mu.Unlock()

	if !ok {
		return nil, ErrUnknownToken
	}
	if s == nil {
		return nil, ErrUnknownStream
	}

	snap, live, cancel := s.snapshotAndSubscribe(rec.lastSeq)
	if s.Closed() {
		cancel()
		if len(snap) == 0 && s.LastSeq() > rec.lastSeq {
			// Everything past the token, including the terminal event, has
			// been trimmed away.
			return nil, ErrReplayTooLate
		}
		return &ResumeResult{Stream: s, Replay: snap, Complete: true}, nil
	}
	return &ResumeResult{Stream: s, Replay: snap, Live: live, Cancel: cancel}, nil
}

// janitor evicts completed streams past the retention window, along with
// their outstanding tokens.
func (r *Registry) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := make(map[string]bool)
	for id, s := range r.streams {
		s.mu.Lock()
		gone := s.closed && now.Sub(s.closedAt) > r.retention
		s.mu.Unlock()
		if gone {
			expired[id] = true
			delete(r.streams, id)
		}
	}
	if len(expired) == 0 {
		return
	}
	for token, rec := range r.tokens {
		if expired[rec.streamID] {
			delete(r.tokens, token)
		}
	}
}
