// Package output renders the master bus to a sink: the local sound device or
// a real-time stream of PCM frames.
package output

import (
	"context"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

const (
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
)

// Renderer pulls the bus at real-time rate and emits interleaved 16-bit
// frames of FrameDuration each. Frames nobody reads are dropped so the bus
// keeps its clock even without listeners.
type Renderer struct {
	source    beep.Streamer
	rate      beep.SampleRate
	frameSize int
	frames    chan []int16
	logger    *logrus.Logger

	buf     [][2]float64
	dropped int
}

// NewRenderer creates a renderer for source at rate. backlog is the number
// of frames kept for a slow consumer.
func NewRenderer(source beep.Streamer, rate beep.SampleRate, backlog int, logger *logrus.Logger) *Renderer {
	if backlog < 1 {
		backlog = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	frameSize := rate.N(FrameDuration)
	return &Renderer{
		source:    source,
		rate:      rate,
		frameSize: frameSize,
		frames:    make(chan []int16, backlog),
		logger:    logger,
		buf:       make([][2]float64, frameSize),
	}
}

// Frames returns the channel of rendered frames. It is closed when Run returns.
func (r *Renderer) Frames() <-chan []int16 {
	return r.frames
}

// FrameSize returns the number of samples per channel in a frame
func (r *Renderer) FrameSize() int {
	return r.frameSize
}

// SampleRate returns the output sample rate
func (r *Renderer) SampleRate() beep.SampleRate {
	return r.rate
}

// Run renders one frame per tick until ctx is cancelled
func (r *Renderer) Run(ctx context.Context) {
	defer close(r.frames)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"sample_rate": int(r.rate),
		"frame_size":  r.frameSize,
	}).Info("Frame renderer started")

	for {
		select {
		case <-ctx.Done():
			if r.dropped > 0 {
				r.logger.WithField("dropped", r.dropped).Debug("Frame renderer stopped")
			}
			return
		case <-ticker.C:
		}

		frame := make([]int16, r.frameSize*Channels)
		RenderFrame(r.source, r.buf, frame)

		select {
		case r.frames <- frame:
		default:
			// consumer too slow, drop the frame to keep the clock
			r.dropped++
		}
	}
}

// RenderFrame streams len(buf) samples from source and writes them
// interleaved into out, which must hold 2*len(buf) values. Samples beyond
// what the source produced are silent.
func RenderFrame(source beep.Streamer, buf [][2]float64, out []int16) {
	n, _ := source.Stream(buf)
	if n < 0 {
		n = 0
	}
	for i := range buf {
		if i >= n {
			out[2*i] = 0
			out[2*i+1] = 0
			continue
		}
		out[2*i] = toInt16(buf[i][0])
		out[2*i+1] = toInt16(buf[i][1])
	}
}

func toInt16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
