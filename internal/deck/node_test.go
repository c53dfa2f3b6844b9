package deck

import (
	"testing"
	"time"

	"turntable/internal/audio"

	"github.com/gopxl/beep/v2"
)

// interruptingStreamer runs hook in the middle of the next buffer
type interruptingStreamer struct {
	beep.StreamSeeker
	hook func()
}

func (s *interruptingStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.hook != nil {
		s.hook()
		s.hook = nil
	}
	return s.StreamSeeker.Stream(samples)
}

func TestPauseMidBufferFreezesPosition(t *testing.T) {
	decoded := audio.NewDecoded(audio.Info{Format: audio.FormatWAV}, testFormat, beep.Silence(1000))
	n := newNode(decoded, 1)
	inner := &interruptingStreamer{StreamSeeker: n.streamer}
	n.streamer = inner
	buf := make([][2]float64, 100)

	n.play()
	n.Stream(buf)
	if got := n.Position(); got != 100*time.Millisecond {
		t.Fatalf("position = %v, want 100ms", got)
	}

	var atPause time.Duration
	inner.hook = func() {
		n.pause()
		atPause = n.Position()
	}
	n.Stream(buf)
	n.Stream(buf)

	if atPause != 100*time.Millisecond {
		t.Errorf("position at pause = %v, want 100ms", atPause)
	}
	if got := n.Position(); got != atPause {
		t.Errorf("position moved while paused: %v, want %v", got, atPause)
	}

	n.play()
	n.Stream(buf[:50])
	if got := n.Position(); got != 150*time.Millisecond {
		t.Errorf("position after resume = %v, want 150ms", got)
	}
}

func TestSeekWhilePausedMovesLatch(t *testing.T) {
	decoded := audio.NewDecoded(audio.Info{Format: audio.FormatWAV}, testFormat, beep.Silence(1000))
	n := newNode(decoded, 1)
	buf := make([][2]float64, 100)

	n.play()
	n.Stream(buf)
	n.pause()
	n.seek(600)
	n.Stream(buf)
	if got := n.Position(); got != 600*time.Millisecond {
		t.Fatalf("position = %v, want 600ms", got)
	}

	n.play()
	n.Stream(buf)
	if got := n.Position(); got != 700*time.Millisecond {
		t.Errorf("position after resume = %v, want 700ms", got)
	}
}
