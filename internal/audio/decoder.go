package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"turntable/internal/apperr"

	"github.com/gopxl/beep/v2"
	beepflac "github.com/gopxl/beep/v2/flac"
	beepmp3 "github.com/gopxl/beep/v2/mp3"
	beepwav "github.com/gopxl/beep/v2/wav"
	"github.com/sirupsen/logrus"
)

// Decoded is a fully decoded track resampled to the engine rate
type Decoded struct {
	Info   Info
	buffer *beep.Buffer
}

// NewDecoded buffers s, which must already be in format
func NewDecoded(info Info, format beep.Format, s beep.Streamer) *Decoded {
	buffer := beep.NewBuffer(format)
	buffer.Append(s)
	if info.Duration == 0 {
		info.Duration = format.SampleRate.D(buffer.Len())
	}
	return &Decoded{Info: info, buffer: buffer}
}

// Streamer returns a fresh seekable stream over the decoded samples
func (d *Decoded) Streamer() beep.StreamSeeker {
	return d.buffer.Streamer(0, d.buffer.Len())
}

// Len returns the number of sample frames
func (d *Decoded) Len() int {
	return d.buffer.Len()
}

// Format returns the engine format of the decoded samples
func (d *Decoded) Format() beep.Format {
	return d.buffer.Format()
}

// Duration returns the decoded length
func (d *Decoded) Duration() time.Duration {
	return d.buffer.Format().SampleRate.D(d.buffer.Len())
}

// Decoder probes and decodes audio bytes for the decks
type Decoder struct {
	sampleRate beep.SampleRate
	quality    int
	logger     *logrus.Logger
}

// NewDecoder creates a decoder that outputs stereo PCM at sampleRate
func NewDecoder(sampleRate int, quality int, logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	if quality < 1 {
		quality = 4
	}
	return &Decoder{
		sampleRate: beep.SampleRate(sampleRate),
		quality:    quality,
		logger:     logger,
	}
}

// SampleRate returns the engine sample rate
func (d *Decoder) SampleRate() beep.SampleRate {
	return d.sampleRate
}

// Probe checks headers and reads metadata without decoding samples.
// Failures are DecodeErrors.
func (d *Decoder) Probe(trackID string, data []byte) (info Info, err error) {
	if len(data) == 0 {
		return Info{}, apperr.Decode("probe", trackID, fmt.Errorf("empty content"))
	}

	defer func() {
		if r := recover(); r != nil {
			info = Info{}
			err = apperr.Decode("probe", trackID, fmt.Errorf("probe panic: %v", r))
		}
	}()

	info, err = probe(data)
	if err != nil {
		return Info{}, apperr.Decode("probe", trackID, err)
	}
	return info, nil
}

// Validate decodes data in full and discards the samples. Content can pass
// Probe and still fail here, so anything written to the cache goes through
// Validate.
func (d *Decoder) Validate(trackID string, data []byte) (Info, error) {
	decoded, err := d.Decode(context.Background(), trackID, data)
	if err != nil {
		return Info{}, err
	}
	info := decoded.Info
	if info.Duration <= 0 {
		info.Duration = decoded.Duration()
	}
	return info, nil
}

// Decode turns bytes into a seekable buffer at the engine sample rate
func (d *Decoder) Decode(ctx context.Context, trackID string, data []byte) (decoded *Decoded, err error) {
	startTime := time.Now()

	info, err := d.Probe(trackID, data)
	if err != nil {
		return nil, err
	}

	// Third-party decoders may panic on corrupt input
	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = apperr.Decode("decode", trackID, fmt.Errorf("decoder panic: %v", r))
		}
	}()

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch info.Format {
	case FormatMP3:
		streamer, format, err = beepmp3.Decode(io.NopCloser(bytes.NewReader(data)))
	case FormatFLAC:
		streamer, format, err = beepflac.Decode(bytes.NewReader(data))
	case FormatWAV:
		streamer, format, err = beepwav.Decode(bytes.NewReader(data))
	default:
		err = errUnsupported
	}
	if err != nil {
		return nil, apperr.Decode("decode", trackID, err)
	}
	defer streamer.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var source beep.Streamer = streamer
	if format.SampleRate != d.sampleRate {
		source = beep.Resample(d.quality, format.SampleRate, d.sampleRate, streamer)
	}

	buffer := beep.NewBuffer(beep.Format{
		SampleRate:  d.sampleRate,
		NumChannels: 2,
		Precision:   3,
	})
	buffer.Append(source)
	if err := streamer.Err(); err != nil {
		return nil, apperr.Decode("decode", trackID, err)
	}
	if buffer.Len() == 0 {
		return nil, apperr.Decode("decode", trackID, fmt.Errorf("no samples decoded"))
	}

	d.logger.WithFields(logrus.Fields{
		"track_id":       trackID,
		"format":         info.Format,
		"source_rate":    int(format.SampleRate),
		"frames":         buffer.Len(),
		"processingTime": time.Since(startTime),
	}).Debug("Decoded track")

	return &Decoded{Info: info, buffer: buffer}, nil
}
