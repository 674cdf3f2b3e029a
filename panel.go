package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Control Panel
// ===========================

const (
	panelPrefix        = "panel:"
	panelSelectMaxRows = 25
)

// PanelView is a gateway-agnostic description of the panel message. The
// rendering is pure so tests can assert on it without a live connection.
type PanelView struct {
	Title       string
	Description string
	Color       int
	Fields      []PanelField
	Selects     []PanelSelect
	Buttons     [][]PanelButton
}

type PanelField struct {
	Name   string
	Value  string
	Inline bool
}

type PanelButtonStyle int

const (
	PanelButtonPrimary PanelButtonStyle = iota
	PanelButtonSecondary
	PanelButtonSuccess
	PanelButtonDanger
)

type PanelButton struct {
	ID       string
	Label    string
	Style    PanelButtonStyle
	Disabled bool
}

type PanelSelect struct {
	ID          string
	Placeholder string
	Options     []PanelOption
}

type PanelOption struct {
	Label       string
	Value       string
	Description string
}

// BuildPanelView renders the panel from a status snapshot. Pure function.
func BuildPanelView(status GuildStatus, tracks []Track, stations []*Station, color int) PanelView {
	view := PanelView{
		Title: "Audio Control Panel",
		Color: color,
	}

	switch {
	case status.Track != nil && status.State == "paused":
		view.Description = fmt.Sprintf("⏸️ Paused: **%s** by %s", status.Track.Title, status.Track.Artist)
	case status.Track != nil:
		view.Description = fmt.Sprintf("🎵 Now playing: **%s** by %s", status.Track.Title, status.Track.Artist)
	case status.Station != nil && status.State == "paused":
		view.Description = fmt.Sprintf("⏸️ Paused station: **%s**", status.Station.Name)
	case status.Station != nil:
		view.Description = fmt.Sprintf("📻 Station: **%s**", status.Station.Name)
	case status.Connected:
		view.Description = "Connected, nothing playing."
	default:
		view.Description = "Not connected to a voice channel."
	}

	view.Fields = []PanelField{
		{Name: "Volume", Value: fmt.Sprintf("%d%%", status.Volume), Inline: true},
		{Name: "Tracks", Value: strconv.Itoa(len(tracks)), Inline: true},
		{Name: "Stations", Value: strconv.Itoa(len(stations)), Inline: true},
	}

	if len(tracks) > 0 {
		sel := PanelSelect{ID: panelPrefix + "track", Placeholder: "Play a track..."}
		for _, t := range tracks {
			if len(sel.Options) == panelSelectMaxRows {
				break
			}
			sel.Options = append(sel.Options, PanelOption{
				Label:       t.Title,
				Value:       t.ID,
				Description: t.Artist,
			})
		}
		view.Selects = append(view.Selects, sel)
	}
	if len(stations) > 0 {
		sel := PanelSelect{ID: panelPrefix + "station", Placeholder: "Play a station..."}
		for _, st := range stations {
			if len(sel.Options) == panelSelectMaxRows {
				break
			}
			sel.Options = append(sel.Options, PanelOption{
				Label:       st.Name,
				Value:       st.ID,
				Description: fmt.Sprintf("%d track(s)", len(st.Tracks)),
			})
		}
		view.Selects = append(view.Selects, sel)
	}

	playing := status.State == "playing" || status.State == "paused"
	view.Buttons = [][]PanelButton{
		{
			{ID: panelPrefix + "join", Label: "Join", Style: PanelButtonSuccess, Disabled: status.Connected},
			{ID: panelPrefix + "leave", Label: "Leave", Style: PanelButtonDanger, Disabled: !status.Connected},
			{ID: panelPrefix + "stop", Label: "Stop", Style: PanelButtonSecondary, Disabled: !playing},
			{ID: panelPrefix + "refresh", Label: "Refresh", Style: PanelButtonSecondary},
		},
		{
			{ID: panelPrefix + "voldown", Label: "Vol -", Style: PanelButtonSecondary, Disabled: status.Volume <= MinVolume},
			{ID: panelPrefix + "volup", Label: "Vol +", Style: PanelButtonSecondary, Disabled: status.Volume >= MaxVolume},
		},
	}
	return view
}

// parseHexColor parses "#RRGGBB" into an int, returning the Discord blurple
// default for malformed values.
func parseHexColor(s string) int {
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil || len(s) != 6 {
		return 0x5865F2
	}
	return int(v)
}

// renderPanel builds the current view for a guild from live state.
func (e *AudioEngine) renderPanel(guildID snowflake.ID) PanelView {
	status := e.Status(guildID)
	tracks, _ := e.Catalog().Scan()

	var stations []*Station
	if e.stations != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if stations, err = e.stations.List(ctx, guildID.String()); err != nil {
			LogPanel("Station list failed while rendering: %v", err)
		}
	}

	return BuildPanelView(status, tracks, stations, parseHexColor(e.config.Get().Panel.EmbedColor))
}

// PostPanel puts the panel in the given channel and persists its location so
// refreshes and restarts find it again. If the tracked message already lives
// in that channel, posting edits it in place instead of duplicating it.
func (e *AudioEngine) PostPanel(ctx context.Context, guildID, channelID snowflake.ID) error {
	g := e.guild(guildID)
	g.mu.Lock()
	trackedChannel, trackedMessage := g.panelChannelID, g.panelMessageID
	g.mu.Unlock()
	if trackedChannel == channelID && trackedMessage != 0 {
		if err := e.gateway.FetchMessage(trackedChannel, trackedMessage); err == nil {
			e.RefreshPanel(ctx, guildID)
			return nil
		}
	}

	view := e.renderPanel(guildID)
	messageID, err := e.gateway.SendPanelMessage(channelID, view)
	if err != nil {
		return fmt.Errorf("post panel: %w", err)
	}

	g.mu.Lock()
	g.panelChannelID = channelID
	g.panelMessageID = messageID
	g.mu.Unlock()

	e.persistPanelRef(guildID, channelID, messageID)
	LogPanel("Posted panel %s in channel %s", messageID, channelID)
	return nil
}

// RefreshPanel re-renders the panel in place. If the tracked message was
// deleted out from under us, the reference is dropped and a new panel is
// posted. Bursty refreshes are coalesced by the rate limiter.
func (e *AudioEngine) RefreshPanel(ctx context.Context, guildID snowflake.ID) {
	if !e.config.Get().Panel.AutoUpdate {
		return
	}
	g := e.guild(guildID)
	g.mu.Lock()
	channelID, messageID := g.panelChannelID, g.panelMessageID
	g.mu.Unlock()
	if channelID == 0 {
		return
	}
	if !g.panelLimiter.Allow() {
		return
	}

	view := e.renderPanel(guildID)

	if messageID != 0 {
		if err := e.gateway.FetchMessage(channelID, messageID); err != nil {
			LogPanel("Panel message %s gone (%v), recreating", messageID, err)
			messageID = 0
		}
	}
	if messageID != 0 {
		if err := e.gateway.EditPanelMessage(channelID, messageID, view); err == nil {
			return
		} else {
			LogPanel("Panel edit failed (%v), recreating", err)
		}
	}

	newID, err := e.gateway.SendPanelMessage(channelID, view)
	if err != nil {
		LogPanel("Panel recreate failed: %v", err)
		return
	}
	g.mu.Lock()
	g.panelMessageID = newID
	g.mu.Unlock()
	e.persistPanelRef(guildID, channelID, newID)
	LogPanel("Recreated panel as message %s", newID)
}

func (e *AudioEngine) persistPanelRef(guildID, channelID, messageID snowflake.ID) {
	if _, err := e.config.Update(func(cfg *AudioConfig) error {
		cfg.Panel.GuildID = guildID.String()
		cfg.Panel.ChannelID = channelID.String()
		cfg.Panel.MessageID = messageID.String()
		return nil
	}); err != nil {
		LogPanel("Failed to persist panel reference: %v", err)
	}
}

// ===========================
// Panel Interactions
// ===========================

func init() {
	RegisterComponentHandler(panelPrefix, handlePanelComponent)
}

func handlePanelComponent(event *events.ComponentInteractionCreate) {
	engine := GetEngine()
	if engine == nil || event.GuildID() == nil {
		return
	}
	guildID := *event.GuildID()
	action := strings.TrimPrefix(event.Data.CustomID(), panelPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch action {
	case "track":
		if data, ok := event.Data.(discord.StringSelectMenuInteractionData); ok && len(data.Values) > 0 {
			err = engine.PlayTrack(ctx, guildID, data.Values[0])
		}
	case "station":
		if data, ok := event.Data.(discord.StringSelectMenuInteractionData); ok && len(data.Values) > 0 {
			err = engine.PlayStation(ctx, guildID, data.Values[0])
		}
	case "stop":
		err = engine.Stop(ctx, guildID)
	case "join":
		var target snowflake.ID
		if target, err = engine.autoJoinTarget(guildID); err == nil {
			err = engine.Join(ctx, guildID, target)
		}
	case "leave":
		err = engine.Leave(ctx, guildID)
	case "volup":
		engine.AdjustVolume(guildID, VolumeStep)
	case "voldown":
		engine.AdjustVolume(guildID, -VolumeStep)
	case "refresh":
	default:
		return
	}

	if err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().
			WithContent(fmt.Sprintf("⚠️ %s", userFacingError(err))).
			WithEphemeral(true))
		return
	}

	event.DeferUpdateMessage()
	engine.RefreshPanel(ctx, guildID)
}
