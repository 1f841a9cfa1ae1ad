package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	wav, err := EncodeWAV(pcm, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	if !IsWAV(wav) {
		t.Fatalf("IsWAV() = false, want true")
	}

	got, format, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		t.Fatalf("format = %+v, want 16000/1", format)
	}
}

func TestDecodeWAVRejectsRawPCM(t *testing.T) {
	_, _, err := DecodeWAV([]byte("definitely not a wav header"))
	if !errors.Is(err, ErrNotWAV) {
		t.Fatalf("error = %v, want ErrNotWAV", err)
	}
}

func TestFrameQueueDropOldestKeepsNewest(t *testing.T) {
	q := NewFrameQueue(2, OverflowDropOldest)
	var dropped []uint64
	q.OnDrop = func(f Frame) { dropped = append(dropped, f.Seq) }

	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		if err := q.Push(ctx, Frame{Seq: i}); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}
	if q.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", q.Dropped())
	}
	if len(dropped) != 2 || dropped[0] != 1 || dropped[1] != 2 {
		t.Fatalf("dropped = %v, want [1 2]", dropped)
	}
	for _, want := range []uint64{3, 4} {
		f, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if f.Seq != want {
			t.Fatalf("Pop().Seq = %d, want %d", f.Seq, want)
		}
	}
}

func TestFrameQueueBlockWaitsForRoom(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlock)
	ctx := context.Background()
	if err := q.Push(ctx, Frame{Seq: 1}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, Frame{Seq: 2}) }()

	select {
	case err := <-pushed:
		t.Fatalf("Push returned early with %v, want it to block", err)
	case <-time.After(30 * time.Millisecond):
	}

	if f, _ := q.Pop(ctx); f.Seq != 1 {
		t.Fatalf("Pop().Seq = %d, want 1", f.Seq)
	}
	if err := <-pushed; err != nil {
		t.Fatalf("blocked Push() error = %v", err)
	}
	if q.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0", q.Dropped())
	}
}

func TestFrameQueueBlockHonorsContext(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlock)
	_ = q.Push(context.Background(), Frame{Seq: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, Frame{Seq: 2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Push() error = %v, want deadline exceeded", err)
	}
}

func TestFrameQueueCloseDrainsThenReportsClosed(t *testing.T) {
	q := NewFrameQueue(4, OverflowDropOldest)
	ctx := context.Background()
	_ = q.Push(ctx, Frame{Seq: 7})
	q.Close()
	q.Close()

	if err := q.Push(ctx, Frame{Seq: 8}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push() after Close error = %v, want ErrQueueClosed", err)
	}
	f, err := q.Pop(ctx)
	if err != nil || f.Seq != 7 {
		t.Fatalf("Pop() = (%d, %v), want (7, nil)", f.Seq, err)
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop() error = %v, want ErrQueueClosed", err)
	}
}

func TestNewFrameCopiesBuffer(t *testing.T) {
	buf := []byte{9, 9}
	f := NewFrame(buf, Format{}, 1)
	buf[0] = 0
	if f.PCM[0] != 9 {
		t.Fatalf("frame shares caller buffer")
	}
	if f.Format != DefaultFormat {
		t.Fatalf("Format = %+v, want %+v", f.Format, DefaultFormat)
	}
}
