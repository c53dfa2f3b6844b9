package deck

import (
	"math"
	"sync/atomic"
	"time"

	"turntable/internal/audio"

	"github.com/gopxl/beep/v2"
)

// node is the output stage of a loaded track. It is attached to the mixer
// bus and pulled by the audio goroutine; every control field is atomic so
// the deck can change it without blocking the bus.
type node struct {
	streamer beep.StreamSeeker
	rate     beep.SampleRate
	length   int

	playing  atomic.Bool
	ended    atomic.Bool
	volume   atomic.Uint64 // math.Float64bits
	position atomic.Int64  // frames
	seekTo   atomic.Int64  // pending seek in frames, -1 when none
	held     atomic.Int64  // position latched by pause, -1 when not paused
}

func newNode(decoded *audio.Decoded, volume float64) *node {
	n := &node{
		streamer: decoded.Streamer(),
		rate:     decoded.Format().SampleRate,
		length:   decoded.Len(),
	}
	n.seekTo.Store(-1)
	n.held.Store(-1)
	n.setVolume(volume)
	return n
}

// Stream renders the next buffer. A paused or finished node emits silence
// and does not advance.
func (n *node) Stream(samples [][2]float64) (int, bool) {
	if target := n.seekTo.Swap(-1); target >= 0 {
		if err := n.streamer.Seek(int(target)); err == nil {
			n.position.Store(target)
			n.ended.Store(target >= int64(n.length))
		}
	}

	if !n.playing.Load() || n.ended.Load() {
		silence(samples)
		return len(samples), true
	}

	got, _ := n.streamer.Stream(samples)
	if got < 0 {
		got = 0
	}
	silence(samples[got:])
	n.position.Add(int64(got))

	if got < len(samples) {
		n.ended.Store(true)
		n.playing.Store(false)
	}
	return len(samples), true
}

func (n *node) Err() error {
	return nil
}

func (n *node) Volume() float64 {
	return math.Float64frombits(n.volume.Load())
}

func (n *node) setVolume(v float64) {
	n.volume.Store(math.Float64bits(v))
}

// play resumes from the latched pause position, or from the start of a
// finished track
func (n *node) play() {
	if held := n.held.Swap(-1); held >= 0 {
		n.seekTo.CompareAndSwap(-1, held)
	} else if n.ended.Load() && n.seekTo.Load() < 0 {
		n.seek(0)
	}
	n.playing.Store(true)
}

// pause stops playback and latches the position. A buffer already being
// rendered may still move the streamer; play rewinds to the latch.
func (n *node) pause() {
	n.playing.Store(false)
	frame := n.seekTo.Load()
	if frame < 0 {
		frame = n.position.Load()
	}
	n.held.CompareAndSwap(-1, frame)
}

// seek schedules a jump that the bus applies before its next buffer
func (n *node) seek(frame int) {
	if frame < 0 {
		frame = 0
	}
	if frame > n.length {
		frame = n.length
	}
	n.seekTo.Store(int64(frame))
	if n.held.Load() >= 0 {
		n.held.Store(int64(frame))
	}
}

func (n *node) Ended() bool {
	return n.ended.Load() && n.seekTo.Load() < 0
}

// Position reports the play head, counting a pending seek as applied. It
// does not move while paused.
func (n *node) Position() time.Duration {
	frame := n.seekTo.Load()
	if frame < 0 {
		frame = n.held.Load()
	}
	if frame < 0 {
		frame = n.position.Load()
	}
	return n.rate.D(int(frame))
}

func (n *node) Duration() time.Duration {
	return n.rate.D(n.length)
}

func (n *node) frameAt(d time.Duration) int {
	return n.rate.N(d)
}

func silence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
}
