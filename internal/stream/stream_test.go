package stream

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAppend_SequencesMonotonic(t *testing.T) {
	s := newStream("s1", 8)
	var last uint64
	for i := 0; i < 20; i++ {
		seq, err := s.Append(EventStage, map[string]any{"stage": "X"})
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestAppend_TrimsWhenFull(t *testing.T) {
	s := newStream("s1", 4)
	for i := 0; i < 10; i++ {
		_, err := s.Append(EventStage, map[string]any{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 6, s.Trims())
	assert.Equal(t, uint64(7), s.OldestSeq())

	snap := s.SnapshotSince(0)
	require.Len(t, snap, 4)
	for i := 1; i < len(snap); i++ {
		assert.Equal(t, snap[i-1].Seq+1, snap[i].Seq)
	}
}

func TestComplete_CarriesTrimDiagnostics(t *testing.T) {
	s := newStream("s1", 2)
	for i := 0; i < 5; i++ {
		_, _ = s.Append(EventStage, map[string]any{"i": i})
	}
	_, err := s.Complete(nil)
	require.NoError(t, err)
	require.True(t, s.Closed())

	snap := s.SnapshotSince(0)
	terminal := snap[len(snap)-1]
	var payload struct {
		Stage   string `json:"stage"`
		Payload struct {
			Diagnostics struct {
				Trims int `json:"trims"`
			} `json:"diagnostics"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(terminal.Payload, &payload))
	assert.Equal(t, StageComplete, payload.Stage)
	assert.GreaterOrEqual(t, payload.Payload.Diagnostics.Trims, 3)
}

func TestAppend_AfterCompleteIsNoop(t *testing.T) {
	s := newStream("s1", 8)
	_, _ = s.Append(EventStage, map[string]any{"i": 0})
	_, _ = s.Complete(nil)
	before := s.LastSeq()
	_, err := s.Append(EventStage, map[string]any{"i": 1})
	require.NoError(t, err)
	assert.Equal(t, before, s.LastSeq())
}

func TestResume_DeliversOnlyAfterTokenSeq(t *testing.T) {
	r := NewRegistry(8, time.Minute)
	defer r.Close()
	s := r.Create()

	for i := 0; i < 3; i++ {
		_, _ = s.Append(EventStage, map[string]any{"i": i})
	}
	token, err := r.IssueResumeToken(s)
	require.NoError(t, err)
	tokenSeq := s.LastSeq() // includes the resume event itself

	for i := 3; i < 6; i++ {
		_, _ = s.Append(EventStage, map[string]any{"i": i})
	}
	_, _ = s.Complete(nil)

	res, err := r.ResumeLive(token)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	require.NotEmpty(t, res.Replay)
	for _, ev := range res.Replay {
		assert.Greater(t, ev.Seq, tokenSeq-1)
	}
	// Strictly greater than the token's recorded lastSeq.
	assert.Greater(t, res.Replay[0].Seq, uint64(3))
}

func TestResume_TokenSingleUse(t *testing.T) {
	r := NewRegistry(8, time.Minute)
	defer r.Close()
	s := r.Create()
	_, _ = s.Append(EventStage, map[string]any{"i": 0})
	token, _ := r.IssueResumeToken(s)

	res, err := r.ResumeLive(token)
	require.NoError(t, err)
	if res.Cancel != nil {
		res.Cancel()
	}

	_, err = r.ResumeLive(token)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestResume_LiveContinuation(t *testing.T) {
	r := NewRegistry(16, time.Minute)
	defer r.Close()
	s := r.Create()
	_, _ = s.Append(EventStage, map[string]any{"stage": "DRAFT"})
	token, _ := r.IssueResumeToken(s)

	res, err := r.ResumeLive(token)
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.NotNil(t, res.Live)
	defer res.Cancel()

	_, _ = s.Append(EventStage, map[string]any{"stage": "NORMALIZE"})
	ev := <-res.Live
	var body struct {
		Stage string `json:"stage"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &body))
	assert.Equal(t, "NORMALIZE", body.Stage)
}

func TestResume_ReplayTooLate(t *testing.T) {
	r := NewRegistry(2, time.Minute)
	defer r.Close()
	s := r.Create()
	_, _ = s.Append(EventStage, map[string]any{"i": 0})
	token, _ := r.IssueResumeToken(s)

	// Push everything after the token out of the ring, including the
	// terminal event.
	_, _ = s.Complete(nil)
	for i := 0; i < 4; i++ {
		s.mu.Lock()
		if len(s.ring) > 0 {
			s.ring = s.ring[1:]
			s.trims++
		}
		s.mu.Unlock()
	}

	_, err := r.ResumeLive(token)
	assert.ErrorIs(t, err, ErrReplayTooLate)
}

func TestRegistry_SweepEvictsExpired(t *testing.T) {
	r := NewRegistry(8, time.Millisecond)
	defer r.Close()
	s := r.Create()
	token, _ := r.IssueResumeToken(s)
	_, _ = s.Complete(nil)

	time.Sleep(5 * time.Millisecond)
	r.sweep(time.Now())

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	_, err := r.ResumeLive(token)
	assert.Error(t, err)
}

func TestSequence_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(2, 16).Draw(t, "capacity")
		n := rapid.IntRange(1, 64).Draw(t, "events")

		s := newStream("p", capacity)
		for i := 0; i < n; i++ {
			_, err := s.Append(EventStage, map[string]any{"i": i})
			if err != nil {
				t.Fatal(err)
			}
		}

		snap := s.SnapshotSince(0)
		// The ring holds min(n, capacity) events with strictly increasing,
		// contiguous sequences ending at n.
		if len(snap) != min(n, capacity) {
			t.Fatalf("ring size %d, want %d", len(snap), min(n, capacity))
		}
		for i := 1; i < len(snap); i++ {
			if snap[i].Seq != snap[i-1].Seq+1 {
				t.Fatalf("gap at %d", i)
			}
		}
		if snap[len(snap)-1].Seq != uint64(n) {
			t.Fatalf("tail seq %d, want %d", snap[len(snap)-1].Seq, n)
		}
	})
}

func TestWriteEvent_WireFormat(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{Seq: 7, Type: EventStage, Payload: json.RawMessage(`{"stage":"DRAFT"}`)}
	require.NoError(t, WriteEvent(&buf, ev))

	out := buf.String()
	assert.Contains(t, out, "event: stage\n")
	assert.Contains(t, out, `"seq":7`)
	assert.Contains(t, out, `"stage":"DRAFT"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n\n")))
}

func TestWriteHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeartbeat(&buf))
	assert.Equal(t, ": heartbeat\n\n", buf.String())
}
