// Package audiotest builds small audio fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// WAV returns a 16-bit stereo sine tone of the given length encoded as WAV
func WAV(t testing.TB, seconds float64, sampleRate int) []byte {
	t.Helper()
	return encode(t, seconds, sampleRate, 16)
}

// WAV32 is WAV with 32-bit integer samples. Its headers are valid but the
// playback decoder does not support that depth.
func WAV32(t testing.TB, seconds float64, sampleRate int) []byte {
	t.Helper()
	return encode(t, seconds, sampleRate, 32)
}

func encode(t testing.TB, seconds float64, sampleRate, bitDepth int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav fixture: %v", err)
	}

	enc := gowav.NewEncoder(f, sampleRate, bitDepth, 2, 1)

	frames := int(seconds * float64(sampleRate))
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		v := int(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * 8000)
		data[2*i] = v
		data[2*i+1] = v
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav fixture: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav fixture: %v", err)
	}
	return out
}
