package httpapi

import (
	"testing"
	"time"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/protocol"
)

func TestNotifyWaitsForRoomForTurnEnded(t *testing.T) {
	sc := newSocketConn(nil, "s-1", audio.DefaultFormat, nil)
	for i := 0; i < outboundDepth; i++ {
		sc.Notify(pipeline.Event{Type: pipeline.EventTextDelta, TurnID: "t1", Text: "x"})
	}

	// A delta on a full queue is dropped without blocking.
	sc.Notify(pipeline.Event{Type: pipeline.EventTextDelta, TurnID: "t1", Text: "dropped"})
	if n := len(sc.outbound); n != outboundDepth {
		t.Fatalf("queued = %d, want %d", n, outboundDepth)
	}

	queued := make(chan struct{})
	go func() {
		sc.Notify(pipeline.Event{Type: pipeline.EventTurnEnded, TurnID: "t1", Reason: "completed"})
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatalf("turn_ended returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	<-sc.outbound
	select {
	case <-queued:
	case <-time.After(time.Second):
		t.Fatalf("turn_ended not queued after room was made")
	}

	var last outMsg
	for len(sc.outbound) > 0 {
		last = <-sc.outbound
	}
	if last.msgType != protocol.TypeTurnEnded {
		t.Fatalf("last queued = %q, want turn_ended", last.msgType)
	}
}

func TestNotifyGivesUpAfterWriteFailure(t *testing.T) {
	sc := newSocketConn(nil, "s-1", audio.DefaultFormat, nil)
	for i := 0; i < outboundDepth; i++ {
		sc.Notify(pipeline.Event{Type: pipeline.EventTextDelta, TurnID: "t1", Text: "x"})
	}
	sc.failOnce.Do(func() { close(sc.failed) })

	done := make(chan struct{})
	go func() {
		sc.Notify(pipeline.Event{Type: pipeline.EventTurnBusy, Reason: "queued", Text: "again"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on a failed socket")
	}
}
