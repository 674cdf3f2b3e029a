package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Errors
// ===========================

var (
	ErrPermissionDenied  = errors.New("missing connect/speak permission for voice channel")
	ErrNoJoinableChannel = errors.New("no joinable voice channel found")
)

// ===========================
// Collaborator Interfaces
// ===========================

// VoiceChannelInfo is a snapshot of one voice channel used by the auto-join
// selector. HumanCount excludes bot accounts.
type VoiceChannelInfo struct {
	ID         snowflake.ID
	Name       string
	HumanCount int
	Joinable   bool
}

// Gateway is the narrow chat-platform surface the engine consumes: channel
// and occupancy snapshots plus message delivery for panels and announcements.
type Gateway interface {
	VoiceChannels(guildID snowflake.ID) []VoiceChannelInfo
	CanJoin(guildID, channelID snowflake.ID) bool
	SendPanelMessage(channelID snowflake.ID, p PanelView) (snowflake.ID, error)
	EditPanelMessage(channelID, messageID snowflake.ID, p PanelView) error
	FetchMessage(channelID, messageID snowflake.ID) error
	Announce(channelID snowflake.ID, content string) error
}

// VoiceLink is one open (or opening) voice transport connection.
type VoiceLink interface {
	Open(ctx context.Context, channelID snowflake.ID) error
	Close(ctx context.Context)
	SetOpusFrameProvider(p voice.OpusFrameProvider)
	SetSpeaking(ctx context.Context, speaking bool) error
}

// VoiceDialer creates voice links, one per guild.
type VoiceDialer interface {
	Dial(guildID snowflake.ID) VoiceLink
}

// ===========================
// Engine & Guild State
// ===========================

const voiceReadyTimeout = 15 * time.Second

// AudioEngine owns all per-guild audio state. Guild state lives in a keyed
// registry behind guild(); operations on different guilds never contend.
type AudioEngine struct {
	config   *ConfigStore
	stations *StationStore
	gateway  Gateway
	dialer   VoiceDialer

	// openResource builds a playable resource for a track file. Swappable
	// so tests can run the playback path without ffmpeg.
	openResource func(ctx context.Context, path string, gain *atomic.Int32) (AudioResource, error)

	mu     sync.Mutex
	guilds map[snowflake.ID]*GuildAudio
}

// GuildAudio is the unit of tenant isolation: at most one voice link and one
// player per guild at any time.
type GuildAudio struct {
	GuildID snowflake.ID

	// ops serializes mutating operations for this guild: one in-flight
	// operation, later callers queue behind it.
	ops chan struct{}

	mu         sync.Mutex
	link       VoiceLink
	channelID  snowflake.ID
	ready      chan struct{}
	joinCancel context.CancelFunc
	player     *Player
	nowTrack   *Track
	nowStation *Station

	panelChannelID snowflake.ID
	panelMessageID snowflake.ID
	panelLimiter   *rate.Limiter

	gain atomic.Int32 // volume 0-100, read by the transcoder every frame
}

var Engine *AudioEngine

func NewAudioEngine(config *ConfigStore, stations *StationStore, gw Gateway, dialer VoiceDialer) *AudioEngine {
	return &AudioEngine{
		config:       config,
		stations:     stations,
		gateway:      gw,
		dialer:       dialer,
		openResource: OpenFileResource,
		guilds:       make(map[snowflake.ID]*GuildAudio),
	}
}

// GetEngine returns the process-wide engine. The engine is created once the
// client is ready; callers before that get nil.
func GetEngine() *AudioEngine {
	return Engine
}

// Catalog builds a track catalog from the current config. Catalogs are
// throwaway: directory and format changes take effect on the next call.
func (e *AudioEngine) Catalog() *Catalog {
	cfg := e.config.Get()
	return NewCatalog(cfg.MusicDirectory, cfg.AllowedFormats)
}

// guild returns the state for a guild, creating it on first use with the
// configured default volume and persisted panel reference.
func (e *AudioEngine) guild(guildID snowflake.ID) *GuildAudio {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.guilds[guildID]; ok {
		return g
	}
	cfg := e.config.Get()
	g := &GuildAudio{
		GuildID: guildID,
		ops:     make(chan struct{}, 1),
		// Edits of this guild's panel never starve another guild's.
		panelLimiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
	g.gain.Store(int32(cfg.DefaultVolume))
	// The persisted panel reference belongs to exactly one guild; other
	// guilds start without a panel.
	if cfg.Panel.GuildID == guildID.String() {
		if id, err := snowflake.Parse(cfg.Panel.ChannelID); err == nil {
			g.panelChannelID = id
		}
		if id, err := snowflake.Parse(cfg.Panel.MessageID); err == nil {
			g.panelMessageID = id
		}
	}
	e.guilds[guildID] = g
	return g
}

// withGuild runs fn while holding the guild's single-flight slot.
func (e *AudioEngine) withGuild(ctx context.Context, guildID snowflake.ID, fn func(g *GuildAudio) error) error {
	g := e.guild(guildID)
	select {
	case g.ops <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.ops }()
	return fn(g)
}

// ===========================
// Join / Leave
// ===========================

// Join connects the bot to a voice channel. It waits up to voiceReadyTimeout
// for the transport to become ready; on timeout it logs a warning but keeps
// the session, which may still come up asynchronously.
func (e *AudioEngine) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	return e.withGuild(ctx, guildID, func(g *GuildAudio) error {
		return e.joinLocked(ctx, g, channelID)
	})
}

func (e *AudioEngine) joinLocked(ctx context.Context, g *GuildAudio, channelID snowflake.ID) error {
	if !e.gateway.CanJoin(g.GuildID, channelID) {
		return fmt.Errorf("%w: channel %s", ErrPermissionDenied, channelID)
	}

	g.mu.Lock()
	if g.link != nil && g.channelID == channelID {
		g.mu.Unlock()
		return nil
	}
	if old := g.link; old != nil {
		g.link = nil
		g.mu.Unlock()
		old.Close(ctx)
		g.mu.Lock()
	}

	joinCtx, cancel := context.WithCancel(context.Background())
	link := e.dialer.Dial(g.GuildID)
	ready := make(chan struct{})
	g.link = link
	g.channelID = channelID
	g.ready = ready
	g.joinCancel = cancel
	g.mu.Unlock()

	LogVoice("Joining channel %s in guild %s", channelID, g.GuildID)

	go func() {
		if err := link.Open(joinCtx, channelID); err != nil {
			LogVoice("Voice connection to %s failed: %v", channelID, err)
			g.mu.Lock()
			if g.link == link {
				g.link = nil
				g.channelID = 0
				g.ready = nil
			}
			g.mu.Unlock()
			return
		}
		close(ready)
		LogVoice("Voice ready in guild %s (channel %s)", g.GuildID, channelID)
	}()

	select {
	case <-ready:
		return nil
	case <-time.After(voiceReadyTimeout):
		// Soft timeout: keep the session, it may still become ready.
		LogWarn("Voice session in guild %s not ready after %s, continuing", g.GuildID, voiceReadyTimeout)
		return nil
	case <-joinCtx.Done():
		return fmt.Errorf("join cancelled: %w", joinCtx.Err())
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Leave disconnects the bot and cascades cleanup of the guild's player and
// now-playing state. A pending join is cancelled before queueing so leave
// never waits behind a slow connection attempt. Idempotent.
func (e *AudioEngine) Leave(ctx context.Context, guildID snowflake.ID) error {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	if g.joinCancel != nil {
		g.joinCancel()
		g.joinCancel = nil
	}
	g.mu.Unlock()

	return e.withGuild(ctx, guildID, func(g *GuildAudio) error {
		e.leaveLocked(ctx, g)
		return nil
	})
}

func (e *AudioEngine) leaveLocked(ctx context.Context, g *GuildAudio) {
	g.mu.Lock()
	link := g.link
	player := g.player
	g.link = nil
	g.channelID = 0
	g.ready = nil
	g.player = nil
	g.nowTrack = nil
	g.nowStation = nil
	g.mu.Unlock()

	if player != nil {
		player.Stop(link)
	}
	if link != nil {
		link.Close(ctx)
		LogVoice("Left voice in guild %s", g.GuildID)
	}
}

// Connected reports whether the guild currently owns a voice link.
func (e *AudioEngine) Connected(guildID snowflake.ID) bool {
	_, ok := e.ChannelID(guildID)
	return ok
}

// ChannelID returns the voice channel the guild is connected to, if any.
func (e *AudioEngine) ChannelID(guildID snowflake.ID) (snowflake.ID, bool) {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.link == nil {
		return 0, false
	}
	return g.channelID, true
}

// Shutdown leaves every guild. Used on process exit.
func (e *AudioEngine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]snowflake.ID, 0, len(e.guilds))
	for id := range e.guilds {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(guildID snowflake.ID) {
			defer wg.Done()
			_ = e.Leave(ctx, guildID)
		}(id)
	}
	wg.Wait()
}

// ===========================
// Auto-Join Selection
// ===========================

// SelectAutoJoinChannel picks a voice channel from an occupancy snapshot: the
// joinable channel with the most human occupants, falling back to the first
// joinable channel when every channel is empty.
func SelectAutoJoinChannel(channels []VoiceChannelInfo) (snowflake.ID, error) {
	var best, firstJoinable *VoiceChannelInfo
	for i := range channels {
		ch := &channels[i]
		if !ch.Joinable {
			continue
		}
		if firstJoinable == nil {
			firstJoinable = ch
		}
		if ch.HumanCount > 0 && (best == nil || ch.HumanCount > best.HumanCount) {
			best = ch
		}
	}
	if best != nil {
		return best.ID, nil
	}
	if firstJoinable != nil {
		return firstJoinable.ID, nil
	}
	return 0, ErrNoJoinableChannel
}

// autoJoinTarget resolves the channel to join when no explicit target was
// given: the configured preferred channel if joinable, otherwise the
// occupancy heuristic over a fresh snapshot.
func (e *AudioEngine) autoJoinTarget(guildID snowflake.ID) (snowflake.ID, error) {
	cfg := e.config.Get()
	if id, err := snowflake.Parse(cfg.VoiceChannelID); err == nil {
		if e.gateway.CanJoin(guildID, id) {
			return id, nil
		}
	}
	return SelectAutoJoinChannel(e.gateway.VoiceChannels(guildID))
}

// ===========================
// Voice State Updates
// ===========================

// HandleBotDisconnect tears down guild state when the bot is removed from its
// voice channel by an external actor (kick, channel delete).
func (e *AudioEngine) HandleBotDisconnect(guildID snowflake.ID) {
	if !e.Connected(guildID) {
		return
	}
	LogVoice("Externally disconnected in guild %s, cleaning up", guildID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.Leave(ctx, guildID)
	e.RefreshPanel(ctx, guildID)
}

// UpdateAutoPause pauses playback when the bot is alone in its channel and
// resumes when a human returns.
func (e *AudioEngine) UpdateAutoPause(guildID snowflake.ID, humansInChannel int) {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	player := g.player
	g.mu.Unlock()
	if player == nil {
		return
	}

	switch {
	case humansInChannel == 0 && player.State() == PlayerPlaying:
		LogVoice("Channel empty in guild %s, pausing", guildID)
		player.Pause()
	case humansInChannel > 0 && player.State() == PlayerPaused:
		LogVoice("Humans back in guild %s, resuming", guildID)
		player.Resume()
	}
}
