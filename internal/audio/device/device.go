// Package device binds the conversation pipeline to the local microphone and
// speaker through miniaudio.
package device

import (
	"fmt"
	"log"

	"github.com/gen2brain/malgo"

	"github.com/ent0n29/talkback/internal/audio"
)

// framesPerPeriod is 32 ms at 16 kHz.
const framesPerPeriod = 512

// Context owns the miniaudio context shared by capture and playback devices.
type Context struct {
	mal *malgo.AllocatedContext
}

// Open initialises the platform audio backend. verbose forwards miniaudio's
// own diagnostics to the standard logger.
func Open(verbose bool) (*Context, error) {
	mal, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		if verbose {
			log.Printf("malgo: %s", message)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Context{mal: mal}, nil
}

func (c *Context) Close() {
	if c == nil || c.mal == nil {
		return
	}
	_ = c.mal.Uninit()
	c.mal.Free()
	c.mal = nil
}

func deviceConfig(kind malgo.DeviceType, format audio.Format) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = framesPerPeriod
	cfg.Periods = 3
	if kind == malgo.Capture {
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(format.Channels)
	} else {
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(format.Channels)
	}
	return cfg
}

func bytesPerFrame(format audio.Format) int {
	return malgo.SampleSizeInBytes(malgo.FormatS16) * format.Channels
}
