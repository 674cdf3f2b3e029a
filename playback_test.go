package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

type fakeResource struct {
	mu       sync.Mutex
	paused   bool
	onFinish func()
	running  atomic.Bool
}

func (r *fakeResource) Provider() voice.OpusFrameProvider { return nil }

func (r *fakeResource) SetPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

func (r *fakeResource) SetOnFinish(fn func()) {
	r.mu.Lock()
	r.onFinish = fn
	r.mu.Unlock()
}

func (r *fakeResource) Run(ctx context.Context) error {
	r.running.Store(true)
	<-ctx.Done()
	r.running.Store(false)
	return ctx.Err()
}

// finish simulates the stream draining naturally.
func (r *fakeResource) finish() {
	r.mu.Lock()
	fn := r.onFinish
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// newPlaybackEngine builds an engine whose resource opener records opened
// paths and returns fakes, with a catalog seeded from files.
func newPlaybackEngine(t *testing.T, files ...string) (*AudioEngine, *fakeGateway, *fakeDialer, *struct {
	mu        sync.Mutex
	paths     []string
	resources []*fakeResource
}) {
	t.Helper()
	engine, gw, dialer := newTestEngine(t)

	musicDir := engine.config.Get().MusicDirectory
	if err := os.MkdirAll(musicDir, 0755); err != nil {
		t.Fatalf("mkdir music: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(musicDir, f), []byte("audio"), 0644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	opened := &struct {
		mu        sync.Mutex
		paths     []string
		resources []*fakeResource
	}{}
	engine.openResource = func(ctx context.Context, path string, gain *atomic.Int32) (AudioResource, error) {
		r := &fakeResource{}
		opened.mu.Lock()
		opened.paths = append(opened.paths, path)
		opened.resources = append(opened.resources, r)
		opened.mu.Unlock()
		return r, nil
	}
	return engine, gw, dialer, opened
}

func TestPlayTrackAutoJoins(t *testing.T) {
	t.Parallel()

	engine, gw, dialer, opened := newPlaybackEngine(t, "Artist - Song1.mp3", "Artist - Song2.mp3")
	lounge := snowflake.ID(500)
	gw.channels = []VoiceChannelInfo{
		{ID: lounge, HumanCount: 2, Joinable: true},
		{ID: snowflake.ID(501), HumanCount: 0, Joinable: true},
	}
	guildID := snowflake.ID(1)

	// Resolution by title works without knowing the generated id.
	if err := engine.PlayTrack(context.Background(), guildID, "Song1"); err != nil {
		t.Fatalf("play: %v", err)
	}

	if got, _ := engine.ChannelID(guildID); got != lounge {
		t.Errorf("expected auto-join to the occupied channel %s, got %s", lounge, got)
	}
	if len(dialer.links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(dialer.links))
	}
	if !engine.IsPlaying(guildID) {
		t.Fatal("expected playing state")
	}

	status := engine.Status(guildID)
	if status.Track == nil || status.Track.Title != "Song1" {
		t.Fatalf("expected now-playing Song1, got %+v", status.Track)
	}
	if status.State != "playing" {
		t.Errorf("expected state playing, got %s", status.State)
	}

	opened.mu.Lock()
	paths := append([]string(nil), opened.paths...)
	opened.mu.Unlock()
	if len(paths) != 1 || filepath.Base(paths[0]) != "Artist - Song1.mp3" {
		t.Errorf("expected Song1 opened, got %v", paths)
	}
}

func TestPlayTrackNotFound(t *testing.T) {
	t.Parallel()

	engine, gw, _, _ := newPlaybackEngine(t, "Artist - Song1.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), Joinable: true}}

	err := engine.PlayTrack(context.Background(), snowflake.ID(1), "NoSuchSong")
	if !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("expected ErrTrackNotFound, got %v", err)
	}
}

func TestPlayReplacesCurrentTrack(t *testing.T) {
	t.Parallel()

	engine, gw, _, opened := newPlaybackEngine(t, "A - One.mp3", "B - Two.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	if err := engine.PlayTrack(ctx, guildID, "One"); err != nil {
		t.Fatalf("play one: %v", err)
	}
	if err := engine.PlayTrack(ctx, guildID, "Two"); err != nil {
		t.Fatalf("play two: %v", err)
	}

	status := engine.Status(guildID)
	if status.Track == nil || status.Track.Title != "Two" {
		t.Fatalf("expected Two playing, got %+v", status.Track)
	}
	opened.mu.Lock()
	n := len(opened.resources)
	opened.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 resources opened, got %d", n)
	}
}

func TestStaleFinishKeepsReplacementPlaying(t *testing.T) {
	t.Parallel()

	engine, gw, _, opened := newPlaybackEngine(t, "A - One.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	// Play the same track twice: two resources, the first superseded.
	if err := engine.PlayTrack(ctx, guildID, "One"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := engine.PlayTrack(ctx, guildID, "One"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	opened.mu.Lock()
	if len(opened.resources) != 2 {
		opened.mu.Unlock()
		t.Fatalf("expected 2 resources, got %d", len(opened.resources))
	}
	first, second := opened.resources[0], opened.resources[1]
	opened.mu.Unlock()

	// The superseded resource can drain late; it must not clear the
	// replacement's now-playing state.
	first.finish()
	if !engine.IsPlaying(guildID) {
		t.Fatal("superseded resource finishing cleared now-playing")
	}
	if st := engine.Status(guildID); st.Track == nil || st.State != "playing" {
		t.Fatalf("expected live playback after stale finish, got %+v", st)
	}

	// The live resource finishing still goes back to idle.
	second.finish()
	if engine.IsPlaying(guildID) {
		t.Error("expected idle after the live resource finished")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	engine, gw, _, _ := newPlaybackEngine(t, "A - One.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	// Stop with no playback at all.
	if err := engine.Stop(ctx, guildID); err != nil {
		t.Fatalf("stop idle: %v", err)
	}

	if err := engine.PlayTrack(ctx, guildID, "One"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := engine.Stop(ctx, guildID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if engine.IsPlaying(guildID) {
		t.Fatal("expected not playing after stop")
	}
	status := engine.Status(guildID)
	if status.Track != nil {
		t.Errorf("expected now-playing cleared, got %+v", status.Track)
	}
	if !status.Connected {
		t.Error("expected session kept after stop")
	}

	if err := engine.Stop(ctx, guildID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestNaturalFinishClearsNowPlaying(t *testing.T) {
	t.Parallel()

	engine, gw, _, opened := newPlaybackEngine(t, "A - One.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)

	if err := engine.PlayTrack(context.Background(), guildID, "One"); err != nil {
		t.Fatalf("play: %v", err)
	}

	opened.mu.Lock()
	res := opened.resources[0]
	opened.mu.Unlock()
	res.finish()

	deadline := time.After(2 * time.Second)
	for engine.Status(guildID).Track != nil {
		select {
		case <-deadline:
			t.Fatal("now-playing not cleared after natural finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if engine.IsPlaying(guildID) {
		t.Error("expected idle after natural finish")
	}
}

func TestPlayStationSetsNowPlaying(t *testing.T) {
	t.Parallel()

	engine, gw, _, opened := newPlaybackEngine(t, "A - One.mp3", "B - Two.mp3")
	engine.stations = newTestStationStore(t)
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	st, err := engine.stations.Create(ctx, guildID.String(), "Chill", []string{"B - Two.mp3", "A - One.mp3"})
	if err != nil {
		t.Fatalf("create station: %v", err)
	}

	if err := engine.PlayStation(ctx, guildID, st.ID); err != nil {
		t.Fatalf("play station: %v", err)
	}
	status := engine.Status(guildID)
	if status.Station == nil || status.Station.Name != "Chill" {
		t.Fatalf("expected station now-playing, got %+v", status)
	}
	// The station, not its first track, is the now-playing reference.
	if status.Track != nil {
		t.Errorf("expected no track reference during station playback, got %+v", status.Track)
	}
	if !engine.IsPlaying(guildID) {
		t.Error("expected playing during station playback")
	}

	// The station's first track is what actually streams.
	opened.mu.Lock()
	paths := append([]string(nil), opened.paths...)
	opened.mu.Unlock()
	if len(paths) != 1 || filepath.Base(paths[0]) != "B - Two.mp3" {
		t.Errorf("expected first station track opened, got %v", paths)
	}
}

func TestPlayStationEmpty(t *testing.T) {
	t.Parallel()

	engine, gw, _, _ := newPlaybackEngine(t, "A - One.mp3")
	engine.stations = newTestStationStore(t)
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	empty, err := engine.stations.Create(ctx, guildID.String(), "Empty", nil)
	if err != nil {
		t.Fatalf("create station: %v", err)
	}

	if err := engine.PlayStation(ctx, guildID, empty.ID); !errors.Is(err, ErrEmptyStation) {
		t.Fatalf("expected ErrEmptyStation, got %v", err)
	}
	if engine.IsPlaying(guildID) {
		t.Error("expected now-playing unset after empty station")
	}
	if _, err := engine.stations.Get(ctx, "missing"); !errors.Is(err, ErrStationNotFound) {
		t.Errorf("expected ErrStationNotFound, got %v", err)
	}
}

func TestLeaveStopsPlayback(t *testing.T) {
	t.Parallel()

	engine, gw, dialer, _ := newPlaybackEngine(t, "A - One.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)
	ctx := context.Background()

	if err := engine.PlayTrack(ctx, guildID, "One"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := engine.Leave(ctx, guildID); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if engine.IsPlaying(guildID) {
		t.Error("expected playback stopped by leave")
	}
	if engine.Status(guildID).Track != nil {
		t.Error("expected now-playing cleared by leave")
	}
	if link := dialer.last(); link == nil || !link.closed {
		t.Error("expected link closed by leave")
	}
	// Volume survives the session.
	if got := engine.Volume(guildID); got != 50 {
		t.Errorf("expected volume preserved at 50, got %d", got)
	}
}

func TestAutoPause(t *testing.T) {
	t.Parallel()

	engine, gw, _, opened := newPlaybackEngine(t, "A - One.mp3")
	gw.channels = []VoiceChannelInfo{{ID: snowflake.ID(500), HumanCount: 1, Joinable: true}}
	guildID := snowflake.ID(1)

	if err := engine.PlayTrack(context.Background(), guildID, "One"); err != nil {
		t.Fatalf("play: %v", err)
	}

	engine.UpdateAutoPause(guildID, 0)
	if engine.Status(guildID).State != "paused" {
		t.Fatalf("expected paused when alone, got %s", engine.Status(guildID).State)
	}
	// The now-playing reference survives a pause.
	if !engine.IsPlaying(guildID) {
		t.Error("expected IsPlaying while paused")
	}
	opened.mu.Lock()
	res := opened.resources[0]
	opened.mu.Unlock()
	res.mu.Lock()
	paused := res.paused
	res.mu.Unlock()
	if !paused {
		t.Error("expected resource paused")
	}

	engine.UpdateAutoPause(guildID, 2)
	if engine.Status(guildID).State != "playing" {
		t.Fatalf("expected resumed with humans present, got %s", engine.Status(guildID).State)
	}
}
