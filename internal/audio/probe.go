package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	gowav "github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"
)

// Format identifies a container/codec the console can play
type Format string

const (
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatWAV     Format = "wav"
	FormatUnknown Format = ""
)

// Info describes audio content without decoding it
type Info struct {
	Format   Format
	Duration time.Duration
	Title    string
	Artist   string
	Album    string
}

var errUnsupported = errors.New("unsupported audio format")

// DetectFormat sniffs the container from the leading bytes
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 4 && string(data[:4]) == "fLaC":
		return FormatFLAC
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

// probe validates that data is playable audio and reads its duration and tags
func probe(data []byte) (Info, error) {
	format := DetectFormat(data)

	var (
		duration time.Duration
		err      error
	)
	switch format {
	case FormatMP3:
		duration, err = durationMP3(data)
	case FormatFLAC:
		duration, err = durationFLAC(data)
	case FormatWAV:
		duration, err = durationWAV(data)
	default:
		return Info{}, errUnsupported
	}
	if err != nil {
		return Info{}, err
	}

	info := Info{Format: format, Duration: duration}

	// Tags are optional; missing or broken tags never fail the probe
	if metadata, err := tag.ReadFrom(bytes.NewReader(data)); err == nil {
		info.Title = metadata.Title()
		info.Artist = metadata.Artist()
		info.Album = metadata.Album()
	}

	return info, nil
}

// durationMP3 sums frame durations. At least one frame must decode.
func durationMP3(data []byte) (time.Duration, error) {
	dec := mp3.NewDecoder(bytes.NewReader(data))
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) || frames > 0 {
				break // partial decode; use what we have
			}
			return 0, fmt.Errorf("no decodable mp3 frames: %w", err)
		}
		total += fr.Duration()
		frames++
	}
	if frames == 0 {
		return 0, fmt.Errorf("no mp3 frames found")
	}
	return total, nil
}

// FLAC metadata block layout
const (
	flacBlockHeaderLen = 4
	flacStreamInfoLen  = 34
	flacTypeStreamInfo = 0
)

// checkFLACBlocks walks the metadata block headers after the signature. The
// first block must be a STREAMINFO of its fixed size and no block may claim
// more bytes than the content holds.
func checkFLACBlocks(data []byte) error {
	pos := 4
	for first := true; ; first = false {
		if len(data)-pos < flacBlockHeaderLen {
			return fmt.Errorf("truncated flac metadata")
		}
		header := data[pos]
		length := int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		pos += flacBlockHeaderLen

		if first && (header&0x7f != flacTypeStreamInfo || length != flacStreamInfoLen) {
			return fmt.Errorf("flac stream does not start with streaminfo")
		}
		if length > len(data)-pos {
			return fmt.Errorf("flac metadata block of %d bytes overruns content", length)
		}
		pos += length

		if header&0x80 != 0 {
			return nil
		}
	}
}

// durationFLAC reads the STREAMINFO metadata block
func durationFLAC(data []byte) (time.Duration, error) {
	if err := checkFLACBlocks(data); err != nil {
		return 0, err
	}
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	si := stream.Info
	if si == nil || si.SampleRate == 0 {
		return 0, fmt.Errorf("flac stream missing sample info")
	}
	secs := float64(si.NSamples) / float64(si.SampleRate)
	return time.Duration(secs * float64(time.Second)), nil
}

// durationWAV reads the fmt and data chunk headers
func durationWAV(data []byte) (time.Duration, error) {
	dec := gowav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}
	return dec.Duration()
}

// IsAudioFile checks if a file name has one of the supported extensions
func IsAudioFile(filePath string, supportedFormats []string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for an audio format
func ContentType(format Format) string {
	switch format {
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
