package output

import (
	"fmt"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/sirupsen/logrus"
)

// Speaker plays the bus on the default sound device
type Speaker struct {
	logger *logrus.Logger
}

// StartSpeaker initializes the sound device and starts pulling source.
// Only one speaker may exist per process.
func StartSpeaker(source beep.Streamer, rate beep.SampleRate, bufferMs int, logger *logrus.Logger) (*Speaker, error) {
	if bufferMs < 10 {
		bufferMs = 100
	}
	bufferSize := rate.N(time.Duration(bufferMs) * time.Millisecond)
	if err := speaker.Init(rate, bufferSize); err != nil {
		return nil, fmt.Errorf("failed to initialize sound device: %w", err)
	}
	speaker.Play(source)

	logger.WithFields(logrus.Fields{
		"sample_rate": int(rate),
		"buffer_ms":   bufferMs,
	}).Info("Speaker output started")

	return &Speaker{logger: logger}, nil
}

// Close stops playback and releases the device
func (s *Speaker) Close() error {
	speaker.Clear()
	speaker.Close()
	s.logger.Info("Speaker output stopped")
	return nil
}
