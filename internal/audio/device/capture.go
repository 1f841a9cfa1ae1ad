package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/ent0n29/talkback/internal/audio"
)

var errCaptureStopped = errors.New("capture device stopped unexpectedly")

// Capture is a microphone audio source. Frames are pushed without blocking,
// so the queue should use the drop-oldest policy.
type Capture struct {
	ctx    *Context
	format audio.Format
}

func NewCapture(ctx *Context, format audio.Format) *Capture {
	if format.SampleRate <= 0 {
		format = audio.DefaultFormat
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Capture{ctx: ctx, format: format}
}

// Run captures until ctx is done. An unexpected device stop is returned as
// an error.
func (c *Capture) Run(ctx context.Context, q *audio.FrameQueue) error {
	stopped := make(chan struct{}, 1)
	var stopping atomic.Bool

	dev, err := malgo.InitDevice(c.ctx.mal.Context, deviceConfig(malgo.Capture, c.format), malgo.DeviceCallbacks{
		Data: captureProc(q, c.format),
		Stop: func() {
			if !stopping.Load() {
				select {
				case stopped <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}

	select {
	case <-ctx.Done():
		stopping.Store(true)
		_ = dev.Stop()
		return nil
	case <-stopped:
		return errCaptureStopped
	}
}

// captureProc copies each callback buffer into a frame. It runs on the audio
// thread and must not block.
func captureProc(q *audio.FrameQueue, format audio.Format) malgo.DataProc {
	width := bytesPerFrame(format)
	var seq uint64
	return func(_, input []byte, frameCount uint32) {
		n := int(frameCount) * width
		if n == 0 || len(input) < n {
			return
		}
		seq++
		_ = q.TryPush(audio.NewFrame(input[:n], format, seq))
	}
}
