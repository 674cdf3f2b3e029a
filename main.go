package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
)

var (
	globalConfigStore  *ConfigStore
	globalStationStore *StationStore
)

func main() {
	silent := flag.Bool("silent", false, "Disable all log output")
	logToFile := flag.Bool("logfile", false, "Also write logs to a file")
	skipReg := flag.Bool("skip-reg", false, "Skip slash command registration")
	flag.Parse()

	InitLogger(*silent, *logToFile)

	// Check for and kill old process
	if pidData, err := os.ReadFile(".bot.pid"); err == nil {
		if oldPid, err := strconv.Atoi(string(pidData)); err == nil && oldPid != os.Getpid() {
			if process, err := os.FindProcess(oldPid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					LogInfo("Killing running instance... (PID: %d)", oldPid)
					if err := process.Signal(syscall.SIGTERM); err == nil {
						for i := 0; i < 50; i++ {
							if err := process.Signal(syscall.Signal(0)); err != nil {
								break
							}
							time.Sleep(100 * time.Millisecond)
						}
						LogInfo("Old instance terminated.")
					} else {
						LogWarn("Failed to kill old instance: %v", err)
					}
				}
			}
		}
	}

	if err := os.WriteFile(".bot.pid", []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		LogWarn("Failed to write PID file: %v", err)
	}
	defer os.Remove(".bot.pid")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	SetAppContext(ctx)

	if err := run(ctx, *skipReg); err != nil {
		LogFatal("%v", err)
	}
}

func run(ctx context.Context, skipReg bool) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	globalConfigStore = NewConfigStore(filepath.Join("config", "audio.json"))
	audioCfg := globalConfigStore.Load()
	if cfg.MusicDir != "" && cfg.MusicDir != audioCfg.MusicDirectory {
		if _, err := globalConfigStore.Update(func(c *AudioConfig) error {
			c.MusicDirectory = cfg.MusicDir
			return nil
		}); err != nil {
			LogConfig("Failed to apply music directory override: %v", err)
		}
	}

	globalStationStore, err = OpenStationStore(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open station store: %w", err)
	}
	defer globalStationStore.Close()

	client, err := CreateClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		srv := NewServer(Engine, cfg.ListenAddr)
		RegisterDaemon(LogServer, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {
					if err := srv.Start(); err != nil {
						LogServer("Control API error: %v", err)
					}
				}, func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
		})
	})

	if !skipReg {
		go func() {
			if err := RegisterCommands(client, cfg.GuildID); err != nil {
				LogError("Background command registration failed: %v", err)
			}
		}()
	}

	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	LogInfo("%s is online! (PID: %d)", ProjectName(), os.Getpid())
	<-ctx.Done()
	LogInfo("Shutting down %s...", ProjectName())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ShutdownDaemons(shutdownCtx)
	client.Close(shutdownCtx)
	return nil
}
