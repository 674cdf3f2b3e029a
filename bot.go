package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/omit"
)

// ===========================
// Command Registration
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogInfo, func(ctx context.Context) (bool, func(), func()) { return StartPresenceRotator(ctx, client) })
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "system",
		Description:              "Bot management utilities (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Display system and application statistics",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shutdown",
				Description: "Shut down the bot process",
			},
		},
	}, handleSystem)
}

var StartTime = time.Now().UTC()

// ===========================
// Presence Rotator
// ===========================

const presenceInterval = 30 * time.Second

// StartPresenceRotator keeps the bot's activity in sync with playback: when
// any guild is playing, the presence shows the track; otherwise a default.
func StartPresenceRotator(ctx context.Context, client *bot.Client) (bool, func(), func()) {
	return true, func() {
		ticker := time.NewTicker(presenceInterval)
		defer ticker.Stop()
		last := ""
		for {
			select {
			case <-ticker.C:
				text := currentPresenceText()
				if text == last {
					continue
				}
				last = text
				if err := client.SetPresence(ctx,
					gateway.WithOnlineStatus(discord.OnlineStatusOnline),
					gateway.WithListeningActivity(text),
				); err != nil {
					LogDebug("Presence update failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}, func() {}
}

func currentPresenceText() string {
	engine := GetEngine()
	if engine == nil {
		return "the airwaves"
	}
	engine.mu.Lock()
	guilds := make([]*GuildAudio, 0, len(engine.guilds))
	for _, g := range engine.guilds {
		guilds = append(guilds, g)
	}
	engine.mu.Unlock()

	for _, g := range guilds {
		g.mu.Lock()
		track, station := g.nowTrack, g.nowStation
		g.mu.Unlock()
		if track != nil {
			return track.Title
		}
		if station != nil {
			return station.Name
		}
	}
	return "the airwaves"
}

// ===========================
// Command Handlers
// ===========================

func handleSystem(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	switch *data.SubCommandName {
	case "stats":
		handleSystemStats(event)
	case "shutdown":
		handleSystemShutdown(event)
	}
}

func handleSystemStats(event *events.ApplicationCommandInteractionCreate) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(StartTime)

	lines := []string{
		fmt.Sprintf("Platform: %s %s (%s)", runtime.GOOS, runtime.GOARCH, runtime.Version()),
		fmt.Sprintf("Memory: %.2f MB / %.2f MB (Sys)", float64(m.HeapAlloc)/1024/1024, float64(m.Sys)/1024/1024),
		fmt.Sprintf("Goroutines: %d", runtime.NumGoroutine()),
		fmt.Sprintf("Uptime: %dd %dh %dm", int(uptime.Hours())/24, int(uptime.Hours())%24, int(uptime.Minutes())%60),
		fmt.Sprintf("Gateway: %dms", event.Client().Gateway.Latency().Milliseconds()),
	}
	if engine := GetEngine(); engine != nil && event.GuildID() != nil {
		status := engine.Status(*event.GuildID())
		lines = append(lines, fmt.Sprintf("Audio: %s (volume %d%%)", status.State, status.Volume))
	}

	audioRespond(event, "```\n"+strings.Join(lines, "\n")+"\n```")
}

func handleSystemShutdown(event *events.ApplicationCommandInteractionCreate) {
	LogWarn("Shutdown commanded by user %s (%s)", event.User().Username, event.User().ID)
	audioRespond(event, "**Shutting down...**")
	time.AfterFunc(1*time.Second, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}
