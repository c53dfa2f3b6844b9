package deck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/audio"
	"turntable/internal/mixer"
	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/gopxl/beep/v2"
	"github.com/sirupsen/logrus"
)

// 1000 frames per second keeps frame arithmetic readable
var testFormat = beep.Format{SampleRate: 1000, NumChannels: 2, Precision: 2}

type fakeResolver struct {
	mu      sync.Mutex
	errs    map[string]error
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
}

// block makes resolves of id wait until the returned func is called
func (f *fakeResolver) block(id string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeResolver) Resolve(ctx context.Context, trackID string, p models.Principal) ([]byte, error) {
	f.mu.Lock()
	gate := f.gates[trackID]
	err := f.errs[trackID]
	f.mu.Unlock()

	f.entered <- trackID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(trackID), nil
}

// fakeDecoder yields one second of silence per track unless told otherwise
type fakeDecoder struct {
	frames int
	err    error
}

func (f *fakeDecoder) Decode(ctx context.Context, trackID string, data []byte) (*audio.Decoded, error) {
	if f.err != nil {
		return nil, f.err
	}
	frames := f.frames
	if frames == 0 {
		frames = 1000
	}
	return audio.NewDecoded(audio.Info{Format: audio.FormatWAV}, testFormat, beep.Silence(frames)), nil
}

type fixture struct {
	store    *state.Store
	mixer    *mixer.Mixer
	resolver *fakeResolver
	decoder  *fakeDecoder
	decks    [2]*Deck
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		store:    state.NewStore(),
		resolver: newFakeResolver(),
		decoder:  &fakeDecoder{},
	}
	f.mixer = mixer.New(f.store, 64)
	for _, id := range models.Decks {
		f.decks[id] = New(id, f.resolver, f.decoder, f.mixer, f.store, logger)
	}
	return f
}

// render pulls frames through the bus the way an output would
func (f *fixture) render(frames int) {
	buf := make([][2]float64, frames)
	f.mixer.Stream(buf)
}

func track(id string) *models.Track {
	return &models.Track{ID: id, FileName: id + ".wav"}
}

func assertConsistent(t *testing.T, st models.DeckState) {
	t.Helper()
	if st.IsPlaying() && st.CurrentTrack() == nil {
		t.Fatalf("deck %s is playing without a track", st.DeckID)
	}
	if st.Volume < 0 || st.Volume > 1 {
		t.Fatalf("deck %s volume %v out of range", st.DeckID, st.Volume)
	}
}

func TestLoadPlayPauseLifecycle(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	member := models.Principal{ID: "u", Class: models.ClassMember, Authenticated: true}

	if st := d.State(); st.Status() != models.StatusEmpty {
		t.Fatalf("initial status = %s, want empty", st.Status())
	}

	if err := d.Load(context.Background(), track("t1"), member); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := d.State()
	if st.Status() != models.StatusReady || st.CurrentTrack().ID != "t1" {
		t.Fatalf("after load: %s %+v", st.Status(), st.CurrentTrack())
	}
	if st.CurrentTrack().Duration != 1 {
		t.Errorf("duration = %v, want filled from decoded length", st.CurrentTrack().Duration)
	}
	if !f.mixer.Attached(models.DeckA) {
		t.Error("loaded deck should be attached to the bus")
	}

	// Ready does not advance
	f.render(100)
	if d.PlayPosition() != 0 {
		t.Errorf("position advanced while ready: %v", d.PlayPosition())
	}

	st = d.Play()
	assertConsistent(t, st)
	if !st.IsPlaying() {
		t.Fatalf("status after play = %s", st.Status())
	}

	f.render(250)
	d.RefreshPosition()
	if got := d.State().PlayPosition; got != 250*time.Millisecond {
		t.Errorf("position = %v, want 250ms", got)
	}

	st = d.Pause()
	if st.Status() != models.StatusPaused || st.PlayPosition != 250*time.Millisecond {
		t.Fatalf("after pause: %s at %v", st.Status(), st.PlayPosition)
	}
	f.render(250)
	if d.PlayPosition() != 250*time.Millisecond {
		t.Errorf("position moved while paused: %v", d.PlayPosition())
	}

	st = d.Play()
	if !st.IsPlaying() || st.PlayPosition != 250*time.Millisecond {
		t.Fatalf("resume: %s at %v", st.Status(), st.PlayPosition)
	}
	f.render(100)
	if d.PlayPosition() != 350*time.Millisecond {
		t.Errorf("position after resume = %v, want 350ms", d.PlayPosition())
	}
}

func TestPlayPauseAreNoOpsInInvalidStates(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]

	before := f.store.Version()
	if st := d.Play(); st.Status() != models.StatusEmpty {
		t.Errorf("play on empty deck changed status to %s", st.Status())
	}
	if st := d.Pause(); st.Status() != models.StatusEmpty {
		t.Errorf("pause on empty deck changed status to %s", st.Status())
	}
	if f.store.Version() != before {
		t.Error("no-op transitions should not commit")
	}

	d.Load(context.Background(), track("t1"), models.Guest())
	if st := d.Pause(); st.Status() != models.StatusReady {
		t.Errorf("pause on ready deck changed status to %s", st.Status())
	}
}

func TestPositionIsMonotonicWhilePlaying(t *testing.T) {
	f := newFixture(t)
	f.decoder.frames = 5000
	d := f.decks[models.DeckB]
	d.Load(context.Background(), track("t1"), models.Guest())
	d.Play()

	var last time.Duration
	for i := 0; i < 40; i++ {
		f.render(64)
		d.RefreshPosition()
		pos := d.State().PlayPosition
		if pos < last {
			t.Fatalf("position went backwards: %v after %v", pos, last)
		}
		last = pos
	}
}

func TestTrackEndMovesToPaused(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	d.Load(context.Background(), track("t1"), models.Guest())
	d.Play()

	f.render(600)
	f.render(600)
	d.RefreshPosition()

	st := d.State()
	if st.Status() != models.StatusPaused {
		t.Fatalf("status after end = %s, want paused", st.Status())
	}
	if st.PlayPosition != time.Second {
		t.Errorf("position after end = %v, want 1s", st.PlayPosition)
	}

	// play again restarts from the top
	d.Play()
	f.render(100)
	if d.PlayPosition() != 100*time.Millisecond {
		t.Errorf("position after replay = %v, want 100ms", d.PlayPosition())
	}
}

func TestLoadFailureReturnsToEmptyWithError(t *testing.T) {
	tests := []struct {
		name       string
		resolveErr error
		decodeErr  error
		wantKind   models.ErrorKind
	}{
		{"not found", apperr.NotFound("resolve", "t1", nil), nil, models.ErrorNotFound},
		{"network", apperr.Network("download", "t1", nil), nil, models.ErrorNetwork},
		{"decode", nil, apperr.Decode("decode", "t1", errors.New("bad frame")), models.ErrorDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.errs["t1"] = tt.resolveErr
			f.decoder.err = tt.decodeErr
			d := f.decks[models.DeckA]

			err := d.Load(context.Background(), track("t1"), models.Guest())
			if err == nil {
				t.Fatal("Load should fail")
			}
			st := d.State()
			if st.Status() != models.StatusEmpty {
				t.Errorf("status = %s, want empty", st.Status())
			}
			if st.Error == nil || st.Error.Kind != tt.wantKind || st.Error.TrackID != "t1" {
				t.Errorf("error = %+v, want kind %s", st.Error, tt.wantKind)
			}
			if f.mixer.Attached(models.DeckA) {
				t.Error("failed load must not attach an output")
			}
		})
	}
}

func TestNewerLoadSupersedesOlder(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	release := f.resolver.block("slow")

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- d.Load(context.Background(), track("slow"), models.Guest())
	}()
	<-f.resolver.entered

	if err := d.Load(context.Background(), track("fast"), models.Guest()); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	<-f.resolver.entered
	release()

	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Errorf("first Load error = %v, want ErrSuperseded", err)
	}
	st := d.State()
	if st.Status() != models.StatusReady || st.CurrentTrack().ID != "fast" {
		t.Errorf("deck holds %s/%v, want ready with fast", st.Status(), st.CurrentTrack())
	}
}

func TestUnloadCancelsPendingLoad(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	release := f.resolver.block("slow")

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Load(context.Background(), track("slow"), models.Guest())
	}()
	<-f.resolver.entered

	if st := d.State(); st.Status() != models.StatusLoading {
		t.Fatalf("status during load = %s, want loading", st.Status())
	}

	d.Unload()
	release()

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Load error = %v, want ErrSuperseded", err)
	}
	if st := d.State(); st.Status() != models.StatusEmpty {
		t.Errorf("status = %s, want empty", st.Status())
	}
}

func TestCancelledLoadLeavesNoError(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	f.resolver.block("slow")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Load(ctx, track("slow"), models.Guest())
	}()
	<-f.resolver.entered
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Load error = %v, want context.Canceled", err)
	}
	st := d.State()
	if st.Status() != models.StatusEmpty || st.Error != nil {
		t.Errorf("after cancel: %s error=%+v", st.Status(), st.Error)
	}
}

func TestDecksAreIndependent(t *testing.T) {
	f := newFixture(t)
	a, b := f.decks[models.DeckA], f.decks[models.DeckB]
	release := f.resolver.block("slow")
	defer release()

	go a.Load(context.Background(), track("slow"), models.Guest())
	<-f.resolver.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Load(context.Background(), track("t2"), models.Guest())
		b.Play()
		b.SetVolume(0.3)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deck B blocked on deck A's pending load")
	}

	if st := b.State(); !st.IsPlaying() || st.Volume != 0.3 {
		t.Errorf("deck B = %s vol %v", st.Status(), st.Volume)
	}
	if st := a.State(); st.Status() != models.StatusLoading {
		t.Errorf("deck A = %s, want still loading", st.Status())
	}
}

func TestSetVolumeClampsWithoutInterruptingPlayback(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	d.Load(context.Background(), track("t1"), models.Guest())
	d.Play()
	f.render(100)

	st := d.SetVolume(1.7)
	if st.Volume != 1 {
		t.Errorf("volume = %v, want clamped to 1", st.Volume)
	}
	st = d.SetVolume(-3)
	if st.Volume != 0 {
		t.Errorf("volume = %v, want clamped to 0", st.Volume)
	}
	if !st.IsPlaying() {
		t.Error("volume change stopped playback")
	}

	f.render(100)
	if d.PlayPosition() != 200*time.Millisecond {
		t.Errorf("position = %v, want 200ms", d.PlayPosition())
	}

	n := d.current.Load()
	d.SetVolume(0.4)
	if n.Volume() != 0.4 {
		t.Errorf("output node volume = %v, want 0.4", n.Volume())
	}
}

func TestVolumeSurvivesReload(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	d.SetVolume(0.25)
	d.Load(context.Background(), track("t1"), models.Guest())

	if n := d.current.Load(); n.Volume() != 0.25 {
		t.Errorf("node volume = %v, want 0.25", n.Volume())
	}
	if d.State().Volume != 0.25 {
		t.Errorf("state volume = %v, want 0.25", d.State().Volume)
	}
}

func TestSeekClampsIntoTrack(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]

	if st := d.Seek(time.Second); st.PlayPosition != 0 {
		t.Errorf("seek on empty deck moved to %v", st.PlayPosition)
	}

	d.Load(context.Background(), track("t1"), models.Guest())

	if st := d.Seek(400 * time.Millisecond); st.PlayPosition != 400*time.Millisecond {
		t.Errorf("seek = %v, want 400ms", st.PlayPosition)
	}
	if st := d.Seek(5 * time.Second); st.PlayPosition != time.Second {
		t.Errorf("seek past end = %v, want 1s", st.PlayPosition)
	}
	if st := d.Seek(-time.Second); st.PlayPosition != 0 {
		t.Errorf("seek before start = %v, want 0", st.PlayPosition)
	}

	d.Seek(500 * time.Millisecond)
	d.Play()
	f.render(100)
	if d.PlayPosition() != 600*time.Millisecond {
		t.Errorf("position after seek+play = %v, want 600ms", d.PlayPosition())
	}
}

func TestUnloadDetachesAndResets(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	d.SetVolume(0.5)
	d.Load(context.Background(), track("t1"), models.Guest())
	d.Play()
	f.render(100)

	st := d.Unload()
	if st.Status() != models.StatusEmpty || st.PlayPosition != 0 || st.CurrentTrack() != nil {
		t.Errorf("after unload: %s at %v track %v", st.Status(), st.PlayPosition, st.CurrentTrack())
	}
	if st.Volume != 0.5 {
		t.Errorf("unload reset volume to %v", st.Volume)
	}
	if f.mixer.Attached(models.DeckA) {
		t.Error("unload should detach the output")
	}
}

func TestReloadReplacesOutputNode(t *testing.T) {
	f := newFixture(t)
	d := f.decks[models.DeckA]
	d.Load(context.Background(), track("t1"), models.Guest())
	first := d.current.Load()

	d.Load(context.Background(), track("t2"), models.Guest())
	second := d.current.Load()
	if first == second {
		t.Fatal("reload should create a new output node")
	}

	// a late detach of the old node leaves the new one routed
	f.mixer.Detach(models.DeckA, first)
	if !f.mixer.Attached(models.DeckA) {
		t.Error("stale detach removed the current output")
	}
}

func TestLoadRejectsMissingTrack(t *testing.T) {
	f := newFixture(t)
	err := f.decks[models.DeckA].Load(context.Background(), nil, models.Guest())
	if !errors.Is(err, apperr.ErrTrackNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}
