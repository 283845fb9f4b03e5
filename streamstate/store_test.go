package streamstate

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/llm"
)

func textChunk(text string) *llm.StreamEvent {
	return &llm.StreamEvent{
		Type:  llm.StreamEventTypeContentDelta,
		Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: text},
	}
}

func testStore(t *testing.T, flushN int, maxAge time.Duration) *Store {
	t.Helper()
	return New(t.TempDir(), flushN, maxAge, zerolog.Nop())
}

func TestAppendAndGet(t *testing.T) {
	s := testStore(t, 50, time.Hour)

	s.Begin("stream-1")
	s.AppendChunk("stream-1", textChunk("a"))
	s.AppendChunk("stream-1", textChunk("b"))

	st, ok := s.Get("stream-1")
	if !ok {
		t.Fatal("Expected live state")
	}
	if st.ChunkCount != 2 {
		t.Errorf("Expected 2 chunks, got %d", st.ChunkCount)
	}
	if st.BytesReceived == 0 {
		t.Error("Expected byte accounting")
	}
	if st.Completed || st.Aborted {
		t.Error("Open stream should be neither completed nor aborted")
	}
}

func TestResumeReplaysFlushedChunksOnceInOrder(t *testing.T) {
	s := testStore(t, 50, time.Hour)

	s.Begin("stream-1")
	s.AppendChunk("stream-1", textChunk("a"))
	s.AppendChunk("stream-1", textChunk("b"))
	s.AppendChunk("stream-1", textChunk("c"))
	s.Complete("stream-1")

	replay, ok := s.Resume("stream-1")
	if !ok {
		t.Fatal("Expected resumable stream")
	}
	var got []string
	for replay.Next() {
		got = append(got, replay.Event().Delta.Text)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected [a b c], got %v", got)
	}
	if replay.Next() {
		t.Error("Replay must be finite")
	}

	st, _ := s.Get("stream-1")
	if st.RecoveryAttempts != 1 {
		t.Errorf("Expected 1 recovery attempt, got %d", st.RecoveryAttempts)
	}
}

func TestResumeSeesOnlyLastFlush(t *testing.T) {
	s := testStore(t, 2, time.Hour)

	s.Begin("stream-1")
	s.AppendChunk("stream-1", textChunk("a"))
	s.AppendChunk("stream-1", textChunk("b")) // flush at 2
	s.AppendChunk("stream-1", textChunk("c")) // in memory only

	replay, ok := s.Resume("stream-1")
	if !ok {
		t.Fatal("Expected resumable stream after flush")
	}
	count := 0
	for replay.Next() {
		count++
	}
	if count != 2 {
		t.Errorf("Resume should replay the flushed prefix (2 chunks), got %d", count)
	}
}

func TestAbortRecordsReason(t *testing.T) {
	s := testStore(t, 50, time.Hour)

	s.Begin("stream-1")
	s.AppendChunk("stream-1", textChunk("a"))
	s.Abort("stream-1", AbortReasonUser)

	st, ok := s.Get("stream-1")
	if !ok {
		t.Fatal("Aborted state should persist")
	}
	if !st.Aborted || st.AbortReason != AbortReasonUser {
		t.Errorf("Expected aborted=true reason=user, got %+v", st)
	}

	// No further chunks accepted after abort.
	s.AppendChunk("stream-1", textChunk("late"))
	st, _ = s.Get("stream-1")
	if st.ChunkCount != 1 {
		t.Errorf("Chunks after abort must be dropped, got %d", st.ChunkCount)
	}
}

func TestFailRecordsError(t *testing.T) {
	s := testStore(t, 50, time.Hour)

	s.Begin("stream-1")
	s.Fail("stream-1", errors.New("connection dropped"))

	st, ok := s.Get("stream-1")
	if !ok {
		t.Fatal("Failed state should persist")
	}
	if st.Error != "connection dropped" {
		t.Errorf("Expected recorded error, got %q", st.Error)
	}
}

func TestExpiry(t *testing.T) {
	s := testStore(t, 50, 50*time.Millisecond)

	s.Begin("stream-1")
	s.AppendChunk("stream-1", textChunk("a"))
	s.Complete("stream-1")

	time.Sleep(80 * time.Millisecond)
	if _, ok := s.Get("stream-1"); ok {
		t.Error("Expired entries must read as absent")
	}
	if _, ok := s.Resume("stream-1"); ok {
		t.Error("Expired entries must not resume")
	}
}

func TestSweep(t *testing.T) {
	s := testStore(t, 50, 10*time.Millisecond)

	s.Begin("old")
	s.Complete("old")
	time.Sleep(30 * time.Millisecond)
	s.Sweep()

	if _, ok := s.Get("old"); ok {
		t.Error("Sweep should remove aged entries")
	}
}

func TestUnknownStreamIsAbsent(t *testing.T) {
	s := testStore(t, 50, time.Hour)
	if _, ok := s.Get("nope"); ok {
		t.Error("Unknown stream should be absent")
	}
	if _, ok := s.Resume("nope"); ok {
		t.Error("Unknown stream should not resume")
	}
	// Appending to an unknown id is a silent no-op.
	s.AppendChunk("nope", textChunk("x"))
}
