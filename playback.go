package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Playback
// ===========================

var ErrTrackNotFound = errors.New("track not found in catalog")

type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerPaused
)

func (s PlayerState) String() string {
	switch s {
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	default:
		return "idle"
	}
}

// AudioResource is one playable stream: a frame provider fed by Run. The
// real implementation transcodes a local file; tests substitute fakes.
type AudioResource interface {
	Provider() voice.OpusFrameProvider
	SetPaused(paused bool)
	SetOnFinish(fn func())
	Run(ctx context.Context) error
}

type fileResource struct {
	transcoder *OpusTranscoder
	provider   *StreamProvider
}

// OpenFileResource opens a local audio file as a playable resource. The gain
// pointer is shared with the guild so volume changes apply mid-track.
func OpenFileResource(ctx context.Context, path string, gain *atomic.Int32) (AudioResource, error) {
	t := NewOpusTranscoder(gain)
	if err := t.OpenInput(path); err != nil {
		t.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := t.SetupDecoder(); err != nil {
		t.Close()
		return nil, fmt.Errorf("decoder for %s: %w", path, err)
	}
	if err := t.SetupEncoder(); err != nil {
		t.Close()
		return nil, fmt.Errorf("encoder for %s: %w", path, err)
	}
	return &fileResource{transcoder: t, provider: NewStreamProvider(ctx)}, nil
}

func (r *fileResource) Provider() voice.OpusFrameProvider { return r.provider }
func (r *fileResource) SetPaused(paused bool)             { r.provider.SetPaused(paused) }
func (r *fileResource) SetOnFinish(fn func())             { r.provider.OnFinish = fn }

func (r *fileResource) Run(ctx context.Context) error {
	defer r.transcoder.Close()
	return r.transcoder.Transcode(ctx, r.provider.PushFrame)
}

// ===========================
// Player
// ===========================

// Player drives one resource at a time for a guild. Starting a new resource
// replaces the current one.
type Player struct {
	guildID snowflake.ID

	mu       sync.Mutex
	state    PlayerState
	resource AudioResource
	cancel   context.CancelFunc
}

func NewPlayer(guildID snowflake.ID) *Player {
	return &Player{guildID: guildID}
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play opens a resource via open and streams it over the link. onFinish fires
// once when the stream ends naturally or is torn down.
func (p *Player) Play(link VoiceLink, open func(ctx context.Context) (AudioResource, error), onFinish func()) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.resource = nil
		p.state = PlayerIdle
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	res, err := open(ctx)
	if err != nil {
		cancel()
		return err
	}

	res.SetOnFinish(func() {
		if p.finished(res) && onFinish != nil {
			onFinish()
		}
	})

	p.mu.Lock()
	p.resource = res
	p.cancel = cancel
	p.state = PlayerPlaying
	p.mu.Unlock()

	if link != nil {
		link.SetOpusFrameProvider(res.Provider())
		if err := link.SetSpeaking(ctx, true); err != nil {
			LogVoice("SetSpeaking failed in guild %s: %v", p.guildID, err)
		}
	}

	go func() {
		if err := res.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			LogAudio("Stream ended with error in guild %s: %v", p.guildID, err)
		}
	}()
	return nil
}

// finished transitions to idle if res is still the active resource and
// reports whether it was. A superseded resource can still fire its finish
// callback after being replaced; it must not touch the replacement's state.
func (p *Player) finished(res AudioResource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resource != res {
		return false
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.resource = nil
	p.state = PlayerIdle
	return true
}

// Stop tears down the current resource and silences the link. Idempotent.
func (p *Player) Stop(link VoiceLink) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.resource = nil
	p.state = PlayerIdle
	p.mu.Unlock()

	if link != nil {
		link.SetOpusFrameProvider(nil)
		if err := link.SetSpeaking(context.Background(), false); err != nil {
			LogVoice("SetSpeaking(false) failed in guild %s: %v", p.guildID, err)
		}
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPlaying || p.resource == nil {
		return
	}
	p.resource.SetPaused(true)
	p.state = PlayerPaused
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPaused || p.resource == nil {
		return
	}
	p.resource.SetPaused(false)
	p.state = PlayerPlaying
}

// ===========================
// Engine Playback Operations
// ===========================

// resolveTrack finds a track by id, exact filename, or case-insensitive
// title, in that order.
func (e *AudioEngine) resolveTrack(query string) (Track, bool) {
	tracks, err := e.Catalog().Scan()
	if err != nil {
		return Track{}, false
	}
	for _, t := range tracks {
		if t.ID == query {
			return t, true
		}
	}
	for _, t := range tracks {
		if t.Filename == query {
			return t, true
		}
	}
	for _, t := range tracks {
		if strings.EqualFold(t.Title, query) {
			return t, true
		}
	}
	return Track{}, false
}

// PlayTrack plays a single track, auto-joining a voice channel first when no
// session exists. The query may be a track id, filename, or title.
func (e *AudioEngine) PlayTrack(ctx context.Context, guildID snowflake.ID, query string) error {
	track, ok := e.resolveTrack(query)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTrackNotFound, query)
	}
	return e.withGuild(ctx, guildID, func(g *GuildAudio) error {
		if err := e.ensureSessionLocked(ctx, g); err != nil {
			return err
		}
		return e.playLocked(ctx, g, track, nil)
	})
}

// PlayStation plays the first available track of a saved station.
func (e *AudioEngine) PlayStation(ctx context.Context, guildID snowflake.ID, stationID string) error {
	station, err := e.stations.Get(ctx, stationID)
	if err != nil {
		return err
	}
	tracks := e.stations.Resolve(station, e.Catalog())
	if len(tracks) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyStation, station.Name)
	}
	return e.withGuild(ctx, guildID, func(g *GuildAudio) error {
		if err := e.ensureSessionLocked(ctx, g); err != nil {
			return err
		}
		return e.playLocked(ctx, g, tracks[0], station)
	})
}

// ensureSessionLocked joins a voice channel if the guild has none. Caller
// holds the guild's single-flight slot.
func (e *AudioEngine) ensureSessionLocked(ctx context.Context, g *GuildAudio) error {
	g.mu.Lock()
	connected := g.link != nil
	g.mu.Unlock()
	if connected {
		return nil
	}
	target, err := e.autoJoinTarget(g.GuildID)
	if err != nil {
		return err
	}
	return e.joinLocked(ctx, g, target)
}

func (e *AudioEngine) playLocked(ctx context.Context, g *GuildAudio, track Track, station *Station) error {
	g.mu.Lock()
	if g.player == nil {
		g.player = NewPlayer(g.GuildID)
	}
	player := g.player
	link := g.link
	g.mu.Unlock()

	open := func(resCtx context.Context) (AudioResource, error) {
		return e.openResource(resCtx, track.Path, &g.gain)
	}
	finish := func() {
		g.mu.Lock()
		if station != nil {
			if g.nowStation != nil && g.nowStation.ID == station.ID {
				g.nowStation = nil
			}
		} else if g.nowTrack != nil && g.nowTrack.ID == track.ID {
			g.nowTrack = nil
		}
		g.mu.Unlock()
		e.RefreshPanel(context.Background(), g.GuildID)
	}

	if err := player.Play(link, open, finish); err != nil {
		return err
	}

	// nowPlaying holds either a track or a station, never both.
	g.mu.Lock()
	if station != nil {
		g.nowTrack = nil
		g.nowStation = station
	} else {
		t := track
		g.nowTrack = &t
		g.nowStation = nil
	}
	g.mu.Unlock()

	LogAudio("Playing %q (%s) in guild %s", track.Title, track.Filename, g.GuildID)
	e.announceNowPlaying(track, station)
	e.RefreshPanel(ctx, g.GuildID)
	return nil
}

// Stop halts playback but keeps the voice session. Idempotent.
func (e *AudioEngine) Stop(ctx context.Context, guildID snowflake.ID) error {
	return e.withGuild(ctx, guildID, func(g *GuildAudio) error {
		g.mu.Lock()
		player := g.player
		link := g.link
		g.nowTrack = nil
		g.nowStation = nil
		g.mu.Unlock()

		if player != nil {
			player.Stop(link)
			LogAudio("Stopped playback in guild %s", guildID)
		}
		e.RefreshPanel(ctx, guildID)
		return nil
	})
}

// IsPlaying reports whether the guild has a now-playing track or station,
// regardless of the player's transient pause state.
func (e *AudioEngine) IsPlaying(guildID snowflake.ID) bool {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nowTrack != nil || g.nowStation != nil
}

func (e *AudioEngine) announceNowPlaying(track Track, station *Station) {
	cfg := e.config.Get()
	channelID, err := snowflake.Parse(cfg.AnnounceChannelID)
	if err != nil {
		return
	}
	msg := fmt.Sprintf("Now playing: **%s** by %s", track.Title, track.Artist)
	if station != nil {
		msg += fmt.Sprintf(" (station: %s)", station.Name)
	}
	if err := e.gateway.Announce(channelID, msg); err != nil {
		LogAudio("Announce failed: %v", err)
	}
}

// ===========================
// Status
// ===========================

// GuildStatus is a read-only snapshot of a guild's audio state.
type GuildStatus struct {
	Connected bool     `json:"connected"`
	ChannelID string   `json:"channelId,omitempty"`
	State     string   `json:"state"`
	Track     *Track   `json:"track,omitempty"`
	Station   *Station `json:"station,omitempty"`
	Volume    int      `json:"volume"`
}

func (e *AudioEngine) Status(guildID snowflake.ID) GuildStatus {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return GuildStatus{State: PlayerIdle.String(), Volume: e.config.Get().DefaultVolume}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := GuildStatus{
		Connected: g.link != nil,
		State:     PlayerIdle.String(),
		Volume:    int(g.gain.Load()),
	}
	if g.link != nil {
		st.ChannelID = g.channelID.String()
	}
	if g.player != nil {
		st.State = g.player.State().String()
	}
	if g.nowTrack != nil {
		t := *g.nowTrack
		st.Track = &t
	}
	if g.nowStation != nil {
		s := *g.nowStation
		st.Station = &s
	}
	return st
}
