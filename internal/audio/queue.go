package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowBlock makes the producer wait for room.
	OverflowBlock OverflowPolicy = "block"
)

// ParseOverflowPolicy maps a config string onto a policy.
func ParseOverflowPolicy(v string) (OverflowPolicy, error) {
	switch OverflowPolicy(v) {
	case OverflowDropOldest, OverflowBlock:
		return OverflowPolicy(v), nil
	case "":
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", v)
	}
}

var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is the bounded hand-off between an audio source and the
// transcription bridge. One producer and one consumer are expected; frames
// leave in the order they were pushed.
type FrameQueue struct {
	ch        chan Frame
	done      chan struct{}
	closeOnce sync.Once
	policy    OverflowPolicy
	dropped   atomic.Uint64

	// OnDrop, when set, is called for every frame discarded by OverflowDropOldest.
	OnDrop func(Frame)
}

func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = 64
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	return &FrameQueue{
		ch:     make(chan Frame, capacity),
		done:   make(chan struct{}),
		policy: policy,
	}
}

func (q *FrameQueue) Policy() OverflowPolicy { return q.policy }

// Push enqueues f according to the overflow policy. It only blocks under
// OverflowBlock, and then only until ctx is done or the queue is closed.
func (q *FrameQueue) Push(ctx context.Context, f Frame) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if q.policy == OverflowBlock {
		select {
		case q.ch <- f:
			return nil
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.pushDropOldest(f)
	return nil
}

// TryPush never blocks, whatever the policy. It is meant for device
// callbacks, which must return promptly.
func (q *FrameQueue) TryPush(f Frame) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	q.pushDropOldest(f)
	return nil
}

func (q *FrameQueue) pushDropOldest(f Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			if q.OnDrop != nil {
				q.OnDrop(old)
			}
		default:
		}
	}
}

// Pop returns the next frame. After Close it keeps returning buffered frames
// and then ErrQueueClosed.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
	}
	select {
	case f := <-q.ch:
		return f, nil
	case <-q.done:
		select {
		case f := <-q.ch:
			return f, nil
		default:
			return Frame{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close marks the end of the stream. It is safe to call more than once.
func (q *FrameQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *FrameQueue) Len() int { return len(q.ch) }

func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
