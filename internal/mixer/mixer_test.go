package mixer

import (
	"math"
	"testing"

	"turntable/internal/state"
	"turntable/pkg/models"
)

const tolerance = 1e-12

// constSource emits a constant sample forever at a fixed volume
type constSource struct {
	value    float64
	volume   float64
	streamed int
}

func (c *constSource) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		samples[i] = [2]float64{c.value, -c.value}
	}
	c.streamed += len(samples)
	return len(samples), true
}

func (c *constSource) Err() error      { return nil }
func (c *constSource) Volume() float64 { return c.volume }

func TestEqualPowerSumOfSquares(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		v := float64(i) / 1000
		g := EqualPower(v)
		if sum := g.A*g.A + g.B*g.B; math.Abs(sum-1) > 1e-9 {
			t.Fatalf("gainA²+gainB² at %v = %v, want 1", v, sum)
		}
	}
}

func TestEqualPowerEndpoints(t *testing.T) {
	tests := []struct {
		value float64
		wantA float64
		wantB float64
	}{
		{0, 1, 0},
		{1, 0, 1},
		{-0.5, 1, 0}, // clamped
		{1.5, 0, 1},  // clamped
	}
	for _, tt := range tests {
		g := EqualPower(tt.value)
		if g.A != tt.wantA || g.B != tt.wantB {
			t.Errorf("EqualPower(%v) = %+v, want {%v %v}", tt.value, g, tt.wantA, tt.wantB)
		}
	}
}

func TestEqualPowerCentreIsBalanced(t *testing.T) {
	g := EqualPower(0.5)
	if g.A != g.B {
		t.Errorf("EqualPower(0.5) = %+v, want A == B", g)
	}
	if math.Abs(g.A-math.Sqrt2/2) > tolerance {
		t.Errorf("centre gain = %v, want %v", g.A, math.Sqrt2/2)
	}
}

func TestEqualPowerMonotonic(t *testing.T) {
	prev := EqualPower(0)
	for i := 1; i <= 100; i++ {
		g := EqualPower(float64(i) / 100)
		if g.A > prev.A || g.B < prev.B {
			t.Fatalf("gains not monotonic at %v: %+v after %+v", float64(i)/100, g, prev)
		}
		prev = g
	}
}

func TestSetCrossfadeUpdatesStoreAndGains(t *testing.T) {
	store := state.NewStore()
	m := New(store, 64)

	m.SetCrossfade(0)
	if m.GainFor(models.DeckA) != 1 || m.GainFor(models.DeckB) != 0 {
		t.Errorf("at 0 gains = %+v, want {1 0}", m.Gains())
	}

	m.SetCrossfade(1)
	if m.GainFor(models.DeckA) != 0 || m.GainFor(models.DeckB) != 1 {
		t.Errorf("at 1 gains = %+v, want {0 1}", m.Gains())
	}
	if store.Crossfade().Value != 1 {
		t.Errorf("store crossfade = %v, want 1", store.Crossfade().Value)
	}

	m.SetCrossfade(0.5)
	if m.GainFor(models.DeckA) != m.GainFor(models.DeckB) {
		t.Errorf("at 0.5 gains = %+v, want equal", m.Gains())
	}

	m.SetCrossfade(7)
	if store.Crossfade().Value != 1 {
		t.Errorf("store crossfade = %v, want clamped 1", store.Crossfade().Value)
	}
}

func TestNewFollowsStoreCrossfade(t *testing.T) {
	store := state.NewStore()
	store.SetCrossfade(1)
	m := New(store, 0)
	if m.GainFor(models.DeckB) != 1 {
		t.Errorf("mixer should start from the committed crossfade, gains = %+v", m.Gains())
	}
}

func TestAmplitude(t *testing.T) {
	m := New(state.NewStore(), 16)
	m.SetCrossfade(0)

	if got := m.Amplitude(models.DeckA, 0.5); got != 0.5 {
		t.Errorf("Amplitude(A, 0.5) = %v, want 0.5", got)
	}
	if got := m.Amplitude(models.DeckB, 0.5); got != 0 {
		t.Errorf("Amplitude(B, 0.5) = %v, want 0", got)
	}
}

func TestStreamSilenceWhenEmpty(t *testing.T) {
	m := New(state.NewStore(), 16)
	buf := make([][2]float64, 32) // larger than the scratch buffer
	buf[3] = [2]float64{9, 9}

	n, ok := m.Stream(buf)
	if n != len(buf) || !ok {
		t.Fatalf("Stream = (%d, %v), want (%d, true)", n, ok, len(buf))
	}
	for i, s := range buf {
		if s != [2]float64{} {
			t.Fatalf("sample %d = %v, want silence", i, s)
		}
	}
}

func TestStreamAppliesVolumeTimesGain(t *testing.T) {
	m := New(state.NewStore(), 8)
	a := &constSource{value: 1, volume: 0.5}
	b := &constSource{value: 1, volume: 1}
	m.Attach(models.DeckA, a)
	m.Attach(models.DeckB, b)

	m.SetCrossfade(0)
	buf := make([][2]float64, 8)
	m.Stream(buf)
	if math.Abs(buf[0][0]-0.5) > tolerance {
		t.Errorf("at crossfade 0 left = %v, want 0.5", buf[0][0])
	}

	m.SetCrossfade(0.5)
	m.Stream(buf)
	want := 0.5*math.Sqrt2/2 + 1*math.Sqrt2/2
	if math.Abs(buf[0][0]-want) > 1e-9 || math.Abs(buf[0][1]+want) > 1e-9 {
		t.Errorf("at centre sample = %v, want ±%v", buf[0], want)
	}

	// an inaudible deck keeps advancing
	m.SetCrossfade(1)
	before := a.streamed
	m.Stream(buf)
	if a.streamed != before+len(buf) {
		t.Error("deck A should keep streaming while faded out")
	}
}

func TestDetachOnlyRemovesMatchingSource(t *testing.T) {
	m := New(state.NewStore(), 8)
	old := &constSource{value: 1, volume: 1}
	replacement := &constSource{value: 1, volume: 1}
	other := &constSource{value: 1, volume: 1}

	m.Attach(models.DeckA, old)
	m.Attach(models.DeckB, other)
	m.Attach(models.DeckA, replacement)

	m.Detach(models.DeckA, old)
	if !m.Attached(models.DeckA) {
		t.Error("stale detach removed the replacement source")
	}

	m.Detach(models.DeckA, replacement)
	if m.Attached(models.DeckA) {
		t.Error("matching detach should empty the slot")
	}
	if !m.Attached(models.DeckB) {
		t.Error("detaching deck A must not touch deck B")
	}
}

func TestStreamDoesNotAllocateAfterWarmup(t *testing.T) {
	m := New(state.NewStore(), 256)
	m.Attach(models.DeckA, &constSource{value: 0.1, volume: 1})
	m.Attach(models.DeckB, &constSource{value: 0.2, volume: 1})
	buf := make([][2]float64, 256)

	allocs := testing.AllocsPerRun(100, func() {
		m.Stream(buf)
	})
	if allocs != 0 {
		t.Errorf("Stream allocated %v times per run, want 0", allocs)
	}
}
