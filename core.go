package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/godave/golibdave"
	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
)

// ============================================================================
// Environment Configuration
// ============================================================================

const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvGuildID      = "GUILD_ID"
	EnvListenAddr   = "LISTEN_ADDR"
	EnvMusicDir     = "MUSIC_DIR"
	EnvSilent       = "SILENT"
)

// Config holds process-level configuration from the environment.
// Durable engine settings live in AudioConfig (config.go).
type Config struct {
	Token        string
	GuildID      string
	ListenAddr   string
	MusicDir     string
	DatabasePath string
	Silent       bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Token:        os.Getenv(EnvDiscordToken),
		GuildID:      os.Getenv(EnvGuildID),
		ListenAddr:   os.Getenv(EnvListenAddr),
		MusicDir:     os.Getenv(EnvMusicDir),
		DatabasePath: filepath.Join(".", ProjectName()+".db"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if strings.EqualFold(os.Getenv(EnvSilent), "true") {
		cfg.Silent = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("missing %s", EnvDiscordToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid %s: must be a valid snowflake", EnvGuildID)
	}
	return nil
}

func ProjectName() string {
	exePath, err := os.Executable()
	projectName := "kanade"
	if err == nil {
		name := strings.TrimSuffix(filepath.Base(exePath), ".exe")
		if name != "main" && !strings.HasPrefix(name, "go_build_") {
			projectName = name
		}
	}
	return projectName
}

// ============================================================================
// App Context
// ============================================================================

var AppContext = context.Background()

func SetAppContext(ctx context.Context) {
	AppContext = ctx
}

// ============================================================================
// Client & Handler Registries
// ============================================================================

var (
	commands                 []discord.ApplicationCommandCreate
	commandHandlers          = map[string]func(event *events.ApplicationCommandInteractionCreate){}
	componentHandlers        = map[string]func(event *events.ComponentInteractionCreate){}
	voiceStateUpdateHandlers []func(event *events.GuildVoiceStateUpdate)
	onClientReadyCallbacks   []func(ctx context.Context, client *bot.Client)
	readyOnce                sync.Once
)

func CreateClient(ctx context.Context, cfg *Config) (*bot.Client, error) {
	client, err := disgo.New(cfg.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildVoiceStates,
			),
			gateway.WithPresenceOpts(
				gateway.WithListeningActivity("the airwaves"),
				gateway.WithOnlineStatus(discord.OnlineStatusOnline),
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagMembers, cache.FlagRoles, cache.FlagChannels, cache.FlagVoiceStates),
		),
		bot.WithVoiceManagerConfigOpts(
			voice.WithDaveSessionCreateFunc(golibdave.NewSession),
		),
		bot.WithEventListenerFunc(onApplicationCommandInteraction),
		bot.WithEventListenerFunc(onComponentInteraction),
		bot.WithEventListenerFunc(onVoiceStateUpdate),
		bot.WithEventListenerFunc(onReady),
		bot.WithRestClientConfigOpts(
			rest.WithHTTPClient(&http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        1000,
					MaxIdleConnsPerHost: 500,
					IdleConnTimeout:     90 * time.Second,
				},
			}),
		),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func RegisterCommand(cmd discord.ApplicationCommandCreate, handler func(event *events.ApplicationCommandInteractionCreate)) {
	commands = append(commands, cmd)
	if c, ok := cmd.(discord.SlashCommandCreate); ok {
		commandHandlers[c.CommandName()] = handler
	}
}

func RegisterComponentHandler(customID string, handler func(event *events.ComponentInteractionCreate)) {
	componentHandlers[customID] = handler
}

func RegisterVoiceStateUpdateHandler(handler func(event *events.GuildVoiceStateUpdate)) {
	voiceStateUpdateHandlers = append(voiceStateUpdateHandlers, handler)
}

func OnClientReady(cb func(ctx context.Context, client *bot.Client)) {
	onClientReadyCallbacks = append(onClientReadyCallbacks, cb)
}

func calculateCommandHash(cmds []discord.ApplicationCommandCreate) string {
	data, err := json.Marshal(cmds)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RegisterCommands syncs slash commands, skipping the API call when the
// command set is unchanged since the last successful registration.
func RegisterCommands(client *bot.Client, guildIDStr string) error {
	hashFile := "." + ProjectName() + ".cmdhash"
	newHash := calculateCommandHash(commands)
	if data, err := os.ReadFile(hashFile); err == nil && string(data) == newHash && newHash != "" {
		LogInfo("Commands unchanged, skipping registration.")
		return nil
	}

	if guildIDStr != "" {
		guildID, err := snowflake.Parse(guildIDStr)
		if err != nil {
			return fmt.Errorf("invalid guild id %q: %w", guildIDStr, err)
		}
		if _, err = client.Rest.SetGuildCommands(client.ApplicationID, guildID, commands); err != nil {
			return err
		}
	} else {
		if _, err := client.Rest.SetGlobalCommands(client.ApplicationID, commands); err != nil {
			return err
		}
	}

	if newHash != "" {
		_ = os.WriteFile(hashFile, []byte(newHash), 0644)
	}
	LogInfo("Registered %d application command(s).", len(commands))
	return nil
}

func onReady(event *events.Ready) {
	TriggerClientReady(AppContext, event.Client())
}

func TriggerClientReady(ctx context.Context, client *bot.Client) {
	readyOnce.Do(func() {
		for _, cb := range onClientReadyCallbacks {
			cb(ctx, client)
		}
		StartDaemons(ctx)
	})
}

func onApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	if handler, ok := commandHandlers[event.Data.CommandName()]; ok {
		go handler(event)
	}
}

func onComponentInteraction(event *events.ComponentInteractionCreate) {
	customID := event.Data.CustomID()
	for prefix, handler := range componentHandlers {
		if strings.HasPrefix(customID, prefix) {
			go handler(event)
			return
		}
	}
}

func onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	for _, handler := range voiceStateUpdateHandlers {
		handler(event)
	}
}

// ============================================================================
// Daemons
// ============================================================================

type daemon struct {
	logger   func(format string, v ...any)
	starter  func(ctx context.Context) (bool, func(), func())
	shutdown func()
}

var (
	daemons   []*daemon
	daemonsMu sync.Mutex
)

// RegisterDaemon registers a background worker. The starter returns whether
// the daemon should run, a run func, and a shutdown func.
func RegisterDaemon(logger func(format string, v ...any), starter func(ctx context.Context) (bool, func(), func())) {
	daemonsMu.Lock()
	defer daemonsMu.Unlock()
	daemons = append(daemons, &daemon{logger: logger, starter: starter})
}

func StartDaemons(ctx context.Context) {
	daemonsMu.Lock()
	defer daemonsMu.Unlock()
	for _, d := range daemons {
		run, runFn, shutdownFn := d.starter(ctx)
		d.shutdown = shutdownFn
		if run && runFn != nil {
			go runFn()
		}
	}
}

func ShutdownDaemons(ctx context.Context) {
	daemonsMu.Lock()
	defer daemonsMu.Unlock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, d := range daemons {
			if d.shutdown != nil {
				d.shutdown()
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		LogWarn("Daemon shutdown timed out.")
	case <-ctx.Done():
	}
}
