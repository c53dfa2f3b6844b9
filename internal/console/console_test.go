package console

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/audio"
	"turntable/internal/audio/audiotest"
	"turntable/internal/cache"
	"turntable/internal/deck"
	"turntable/internal/resolver"
	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
)

var member = models.Principal{ID: "user-1", Class: models.ClassMember, Authenticated: true}

type mapLibrary map[string]*models.Track

func (m mapLibrary) Get(ctx context.Context, id string) (*models.Track, bool, error) {
	t, ok := m[id]
	return t, ok, nil
}

type fakeCatalog struct {
	tracks map[string]*models.Track
	err    error
	calls  int
}

func (f *fakeCatalog) GetTrack(ctx context.Context, id string, p models.Principal) (*models.Track, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tracks[id]
	if !ok {
		return nil, apperr.NotFound("get track", id, nil)
	}
	return t, nil
}

type staticIssuer struct{}

func (staticIssuer) IssueDownloadURL(ctx context.Context, id string, p models.Principal) (models.SignedURL, error) {
	return models.SignedURL{URL: "https://objects.example/" + id, ExpiresIn: time.Minute, IssuedAt: time.Now()}, nil
}

type staticFetcher struct{ data []byte }

func (s staticFetcher) Fetch(ctx context.Context, id string, u models.SignedURL) ([]byte, error) {
	return s.data, nil
}

type harness struct {
	console *Console
	cache   *cache.MemoryStore
	catalog *fakeCatalog
	wav     []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	wav := audiotest.WAV(t, 0.5, 8000)
	store := cache.NewMemoryStore(0)
	decoder := audio.NewDecoder(8000, 1, logger)
	catalog := &fakeCatalog{tracks: map[string]*models.Track{
		"remote-1": {ID: "remote-1", FileName: "remote.wav", Duration: 0.5, RemoteKey: "k"},
	}}

	res := resolver.New(resolver.Options{
		Cache:   store,
		Issuer:  staticIssuer{},
		Fetcher: staticFetcher{data: wav},
		Validate: func(id string, data []byte) error {
			_, err := decoder.Validate(id, data)
			return err
		},
		Logger: logger,
	})

	c := New(Options{
		Cache:    store,
		Resolver: res,
		Decoder:  decoder,
		Local: mapLibrary{
			"local-1": {ID: "local-1", FileName: "mine.wav", Local: true},
		},
		Catalog:         catalog,
		RefreshInterval: 5 * time.Millisecond,
		BufferSize:      256,
		Logger:          logger,
	})
	return &harness{console: c, cache: store, catalog: catalog, wav: wav}
}

func TestGuestLoadsCachedLocalTrack(t *testing.T) {
	h := newHarness(t)
	h.cache.PutTrack(context.Background(), "local-1", h.wav)

	st, err := h.console.LoadTrack(context.Background(), models.DeckA, "local-1", models.Guest())
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if st.Status() != models.StatusReady {
		t.Fatalf("status = %s, want ready", st.Status())
	}
	if tr := st.CurrentTrack(); tr.FileName != "mine.wav" || !tr.Local {
		t.Errorf("track = %+v, want local library record", tr)
	}
	if h.catalog.calls != 0 {
		t.Error("local records should not hit the catalog")
	}
}

func TestGuestCannotReachRemote(t *testing.T) {
	h := newHarness(t)

	st, err := h.console.LoadTrack(context.Background(), models.DeckB, "remote-1", models.Guest())
	if !errors.Is(err, apperr.ErrTrackNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
	if st.Status() != models.StatusEmpty || st.Error == nil || st.Error.Kind != models.ErrorNotFound {
		t.Errorf("state = %s error %+v", st.Status(), st.Error)
	}
}

func TestMemberLoadsRemoteTrackAndCachesIt(t *testing.T) {
	h := newHarness(t)

	st, err := h.console.LoadTrack(context.Background(), models.DeckB, "remote-1", member)
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if st.CurrentTrack().RemoteKey != "k" {
		t.Errorf("track = %+v, want catalog record", st.CurrentTrack())
	}
	if _, found, _ := h.cache.GetTrack(context.Background(), "remote-1"); !found {
		t.Error("remote track should be cached after resolution")
	}

	// a later guest session can play it from the cache
	if _, err := h.console.LoadTrack(context.Background(), models.DeckA, "remote-1", models.Guest()); err != nil {
		t.Errorf("guest load of cached track: %v", err)
	}
}

func TestCatalogNotFoundStopsLoad(t *testing.T) {
	h := newHarness(t)

	_, err := h.console.LoadTrack(context.Background(), models.DeckA, "nope", member)
	if !errors.Is(err, apperr.ErrTrackNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestCatalogOutageFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = apperr.Network("get track", "x", errors.New("down"))
	h.cache.PutTrack(context.Background(), "x", h.wav)

	st, err := h.console.LoadTrack(context.Background(), models.DeckA, "x", member)
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if st.CurrentTrack().ID != "x" {
		t.Errorf("track = %+v", st.CurrentTrack())
	}
}

func TestInvalidDeck(t *testing.T) {
	h := newHarness(t)
	if _, err := h.console.Play(models.DeckID(7)); !errors.Is(err, ErrInvalidDeck) {
		t.Errorf("error = %v, want ErrInvalidDeck", err)
	}
	if _, err := h.console.LoadTrack(context.Background(), models.DeckID(-1), "t", models.Guest()); !errors.Is(err, ErrInvalidDeck) {
		t.Errorf("error = %v, want ErrInvalidDeck", err)
	}
}

func TestCrossfadeAndVolumeCommute(t *testing.T) {
	h := newHarness(t)
	c := h.console

	c.SetVolume(models.DeckA, 0.8)
	c.SetCrossfade(0.25)
	first := c.Mixer().Amplitude(models.DeckA, c.Snapshot().Deck(models.DeckA).Volume)

	h2 := newHarness(t)
	h2.console.SetCrossfade(0.25)
	h2.console.SetVolume(models.DeckA, 0.8)
	second := h2.console.Mixer().Amplitude(models.DeckA, h2.console.Snapshot().Deck(models.DeckA).Volume)

	if math.Abs(first-second) > 1e-12 {
		t.Errorf("amplitude depends on order: %v vs %v", first, second)
	}
	want := 0.8 * math.Cos(0.25*math.Pi/2)
	if math.Abs(first-want) > 1e-12 {
		t.Errorf("amplitude = %v, want %v", first, want)
	}
}

func TestRunPublishesPositions(t *testing.T) {
	h := newHarness(t)
	c := h.console
	h.cache.PutTrack(context.Background(), "local-1", h.wav)
	if _, err := c.LoadTrack(context.Background(), models.DeckA, "local-1", models.Guest()); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	c.Play(models.DeckA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// 100ms of audio at 8kHz
	buf := make([][2]float64, 800)
	c.Mixer().Stream(buf)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Deck(models.DeckA).PlayPosition == 100*time.Millisecond {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("position = %v, want 100ms", c.Snapshot().Deck(models.DeckA).PlayPosition)
}

func TestSubscribersSeeCommittedLoad(t *testing.T) {
	h := newHarness(t)
	c := h.console
	h.cache.PutTrack(context.Background(), "local-1", h.wav)

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	if _, err := c.LoadTrack(context.Background(), models.DeckA, "local-1", models.Guest()); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}

	var last state.Snapshot
	timeout := time.After(time.Second)
	for {
		select {
		case snap := <-ch:
			last = snap
			if snap.Deck(models.DeckA).Status() == models.StatusReady {
				return
			}
		case <-timeout:
			t.Fatalf("never observed ready, last status %s", last.Deck(models.DeckA).Status())
		}
	}
}

func TestCacheOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cache.PutTrack(ctx, "a", []byte("1234"))
	h.cache.PutTrack(ctx, "b", []byte("56"))

	stats, err := h.console.CacheStats(ctx)
	if err != nil || stats.Entries != 2 || stats.Bytes != 6 {
		t.Fatalf("stats = %+v err %v", stats, err)
	}

	if err := h.console.InvalidateTrack(ctx, "a"); err != nil {
		t.Fatalf("InvalidateTrack: %v", err)
	}
	if stats, _ := h.console.CacheStats(ctx); stats.Entries != 1 {
		t.Errorf("entries after invalidate = %d", stats.Entries)
	}

	if err := h.console.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if stats, _ := h.console.CacheStats(ctx); stats.Entries != 0 || stats.Bytes != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestUnloadAfterPlay(t *testing.T) {
	h := newHarness(t)
	c := h.console
	h.cache.PutTrack(context.Background(), "local-1", h.wav)
	c.LoadTrack(context.Background(), models.DeckA, "local-1", models.Guest())
	c.Play(models.DeckA)

	st, err := c.Unload(models.DeckA)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status() != models.StatusEmpty || c.Mixer().Attached(models.DeckA) {
		t.Errorf("after unload: %s attached=%v", st.Status(), c.Mixer().Attached(models.DeckA))
	}
}

// gatedCatalog holds lookups of one id until released
type gatedCatalog struct {
	slowID  string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCatalog) GetTrack(ctx context.Context, id string, p models.Principal) (*models.Track, error) {
	if id == g.slowID {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.Track{ID: id, FileName: id + ".wav"}, nil
}

func TestSlowLookupCannotOverrideLaterLoad(t *testing.T) {
	h := newHarness(t)
	catalog := &gatedCatalog{slowID: "x", entered: make(chan struct{}), release: make(chan struct{})}
	h.console.catalog = catalog

	ctx := context.Background()
	h.cache.PutTrack(ctx, "x", h.wav)
	h.cache.PutTrack(ctx, "y", h.wav)

	first := make(chan error, 1)
	go func() {
		_, err := h.console.LoadTrack(ctx, models.DeckA, "x", member)
		first <- err
	}()
	<-catalog.entered

	st, err := h.console.LoadTrack(ctx, models.DeckA, "y", member)
	if err != nil {
		t.Fatalf("LoadTrack(y): %v", err)
	}
	if st.Status() != models.StatusReady || st.CurrentTrack().ID != "y" {
		t.Fatalf("after load(y): %s %+v", st.Status(), st.CurrentTrack())
	}

	close(catalog.release)
	if err := <-first; !errors.Is(err, deck.ErrSuperseded) {
		t.Errorf("load(x) error = %v, want superseded", err)
	}

	final := h.console.Snapshot().Deck(models.DeckA)
	if final.Status() != models.StatusReady || final.CurrentTrack().ID != "y" {
		t.Errorf("final deck = %s %+v, want y ready", final.Status(), final.CurrentTrack())
	}
}

func TestLookupFailureDoesNotClobberLaterLoad(t *testing.T) {
	h := newHarness(t)
	catalog := &gatedCatalog{slowID: "x", entered: make(chan struct{}), release: make(chan struct{})}
	h.console.catalog = catalog
	h.cache.PutTrack(context.Background(), "y", h.wav)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.console.LoadTrack(ctx, models.DeckA, "x", member)
		first <- err
	}()
	<-catalog.entered

	if _, err := h.console.LoadTrack(context.Background(), models.DeckA, "y", member); err != nil {
		t.Fatalf("LoadTrack(y): %v", err)
	}
	cancel()
	if err := <-first; !errors.Is(err, deck.ErrSuperseded) {
		t.Errorf("load(x) error = %v, want superseded", err)
	}

	final := h.console.Snapshot().Deck(models.DeckA)
	if final.Status() != models.StatusReady || final.Error != nil {
		t.Errorf("final deck = %s error %+v, want ready without error", final.Status(), final.Error)
	}
}

func TestUndecodableCachedBytesAreEvicted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cache.PutTrack(ctx, "local-1", audiotest.WAV32(t, 0.1, 8000))

	_, err := h.console.LoadTrack(ctx, models.DeckA, "local-1", models.Guest())
	if !errors.Is(err, apperr.ErrDecode) {
		t.Fatalf("error = %v, want decode error", err)
	}
	if _, found, _ := h.cache.GetTrack(ctx, "local-1"); found {
		t.Error("unplayable bytes should be dropped from the cache")
	}
}

func TestUndecodableRemoteBytesAreNotCached(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := cache.NewMemoryStore(0)
	decoder := audio.NewDecoder(8000, 1, logger)
	res := resolver.New(resolver.Options{
		Cache:   store,
		Issuer:  staticIssuer{},
		Fetcher: staticFetcher{data: audiotest.WAV32(t, 0.1, 8000)},
		Validate: func(id string, data []byte) error {
			_, err := decoder.Validate(id, data)
			return err
		},
		Logger: logger,
	})
	c := New(Options{Cache: store, Resolver: res, Decoder: decoder, Logger: logger})

	ctx := context.Background()
	if _, err := c.LoadTrack(ctx, models.DeckA, "deep", member); !errors.Is(err, apperr.ErrDecode) {
		t.Fatalf("error = %v, want decode error", err)
	}
	if _, found, _ := store.GetTrack(ctx, "deep"); found {
		t.Error("undecodable bytes were written to the cache")
	}
}
