package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		gw := NewBotGateway(client)
		Engine = NewAudioEngine(globalConfigStore, globalStationStore, gw, NewBotVoiceDialer(client))

		if err := globalConfigStore.Migrate(gw); err != nil {
			LogConfig("Config migration failed: %v", err)
		}

		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return false, nil, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				Engine.Shutdown(shutdownCtx)
			}
		})
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "audio",
		Description: "Guild audio playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a track from the catalog",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "track",
						Description: "Track id, filename, or title",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "station",
				Description: "Play a saved station",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "name",
						Description: "Station name or id",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Join a voice channel",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionChannel{
						Name:         "channel",
						Description:  "Channel to join (auto-picked if omitted)",
						Required:     false,
						ChannelTypes: []discord.ChannelType{discord.ChannelTypeGuildVoice, discord.ChannelTypeGuildStageVoice},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Leave the voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Show or set the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "level",
						Description: "Volume 0-100",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "tracks",
				Description: "List catalog tracks",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "panel",
				Description: "Post the control panel in this channel",
			},
		},
	}, handleAudioCommand)
}

func handleAudioCommand(event *events.ApplicationCommandInteractionCreate) {
	engine := GetEngine()
	if engine == nil || event.GuildID() == nil {
		audioRespond(event, "⚠️ Audio engine not ready.")
		return
	}
	if !engine.config.Get().Enabled {
		audioRespond(event, "⚠️ Audio playback is disabled.")
		return
	}
	guildID := *event.GuildID()

	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()

	switch *subCmd {
	case "play":
		handleAudioPlay(ctx, event, engine, guildID, data.String("track"))
	case "station":
		handleAudioStation(ctx, event, engine, guildID, data.String("name"))
	case "stop":
		if err := engine.Stop(ctx, guildID); err != nil {
			audioRespond(event, "⚠️ "+userFacingError(err))
			return
		}
		audioRespond(event, "⏹️ Stopped.")
	case "join":
		handleAudioJoin(ctx, event, engine, guildID, data)
	case "leave":
		if err := engine.Leave(ctx, guildID); err != nil {
			audioRespond(event, "⚠️ "+userFacingError(err))
			return
		}
		audioRespond(event, "👋 Left the voice channel.")
	case "volume":
		handleAudioVolume(event, engine, guildID, data)
	case "tracks":
		handleAudioTracks(event, engine)
	case "panel":
		if err := engine.PostPanel(ctx, guildID, event.Channel().ID()); err != nil {
			audioRespond(event, "⚠️ "+userFacingError(err))
			return
		}
		audioRespond(event, "🎛️ Panel posted.")
	}
}

func handleAudioPlay(ctx context.Context, event *events.ApplicationCommandInteractionCreate, engine *AudioEngine, guildID snowflake.ID, query string) {
	_ = event.DeferCreateMessage(true)
	if err := engine.PlayTrack(ctx, guildID, query); err != nil {
		audioFollowup(event, "⚠️ "+userFacingError(err))
		return
	}
	status := engine.Status(guildID)
	if status.Track != nil {
		audioFollowup(event, fmt.Sprintf("🎵 Playing **%s** by %s", status.Track.Title, status.Track.Artist))
	} else {
		audioFollowup(event, "🎵 Playing.")
	}
}

func handleAudioStation(ctx context.Context, event *events.ApplicationCommandInteractionCreate, engine *AudioEngine, guildID snowflake.ID, query string) {
	_ = event.DeferCreateMessage(true)

	stationID := query
	if stations, err := engine.stations.List(ctx, guildID.String()); err == nil {
		for _, st := range stations {
			if strings.EqualFold(st.Name, query) {
				stationID = st.ID
				break
			}
		}
	}

	if err := engine.PlayStation(ctx, guildID, stationID); err != nil {
		audioFollowup(event, "⚠️ "+userFacingError(err))
		return
	}
	audioFollowup(event, "📻 Station started.")
}

func handleAudioJoin(ctx context.Context, event *events.ApplicationCommandInteractionCreate, engine *AudioEngine, guildID snowflake.ID, data discord.SlashCommandInteractionData) {
	_ = event.DeferCreateMessage(true)

	var target snowflake.ID
	if ch, ok := data.OptChannel("channel"); ok {
		target = ch.ID
	} else {
		var err error
		if target, err = engine.autoJoinTarget(guildID); err != nil {
			audioFollowup(event, "⚠️ "+userFacingError(err))
			return
		}
	}

	if err := engine.Join(ctx, guildID, target); err != nil {
		audioFollowup(event, "⚠️ "+userFacingError(err))
		return
	}
	audioFollowup(event, fmt.Sprintf("🔊 Joined <#%s>.", target))
}

func handleAudioVolume(event *events.ApplicationCommandInteractionCreate, engine *AudioEngine, guildID snowflake.ID, data discord.SlashCommandInteractionData) {
	if level, ok := data.OptInt("level"); ok {
		if err := engine.SetVolume(guildID, level); err != nil {
			audioRespond(event, "⚠️ "+userFacingError(err))
			return
		}
		audioRespond(event, fmt.Sprintf("🔉 Volume set to %d%%.", level))
		return
	}
	audioRespond(event, fmt.Sprintf("🔉 Volume is %d%%.", engine.Volume(guildID)))
}

func handleAudioTracks(event *events.ApplicationCommandInteractionCreate, engine *AudioEngine) {
	tracks, err := engine.Catalog().Scan()
	if err != nil {
		audioRespond(event, "⚠️ "+userFacingError(err))
		return
	}
	if len(tracks) == 0 {
		audioRespond(event, "The catalog is empty.")
		return
	}
	audioRespond(event, formatTrackList(tracks))
}

// formatTrackList renders the catalog for chat, truncated to stay well under
// the message length limit.
func formatTrackList(tracks []Track) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%d track(s):**\n", len(tracks)))
	for i, t := range tracks {
		if i == 20 {
			sb.WriteString(fmt.Sprintf("...and %d more", len(tracks)-i))
			break
		}
		sb.WriteString(fmt.Sprintf("`%s` %s by %s\n", t.ID, t.Title, t.Artist))
	}
	return sb.String()
}

// ===========================
// Responses
// ===========================

func audioRespond(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(content).
		WithEphemeral(true))
}

func audioFollowup(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdate().WithContent(content))
}

// userFacingError maps engine errors to short messages safe to show in chat.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrTrackNotFound):
		return "That track is not in the catalog."
	case errors.Is(err, ErrStationNotFound):
		return "That station does not exist."
	case errors.Is(err, ErrEmptyStation):
		return "That station has no available tracks."
	case errors.Is(err, ErrPermissionDenied):
		return "I can't join that voice channel."
	case errors.Is(err, ErrNoJoinableChannel):
		return "No voice channel I can join."
	case errors.Is(err, ErrVolumeRange):
		return "Volume must be between 0 and 100."
	default:
		return "Something went wrong: " + err.Error()
	}
}
