package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

type fakeResolver struct {
	voice map[string]snowflake.ID
	text  map[string]snowflake.ID
}

func (r *fakeResolver) ResolveVoiceChannel(name string) (snowflake.ID, bool) {
	id, ok := r.voice[name]
	return id, ok
}

func (r *fakeResolver) ResolveTextChannel(name string) (snowflake.ID, bool) {
	id, ok := r.text[name]
	return id, ok
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audio.json")
	store := NewConfigStore(path)

	cfg := DefaultAudioConfig()
	cfg.DefaultVolume = 75
	cfg.VoiceChannelID = "123456789012345678"
	cfg.Panel.ChannelID = "223456789012345678"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewConfigStore(path).Load()
	if loaded.DefaultVolume != 75 {
		t.Errorf("expected volume 75, got %d", loaded.DefaultVolume)
	}
	if loaded.VoiceChannelID != "123456789012345678" {
		t.Errorf("voice channel lost: %q", loaded.VoiceChannelID)
	}
	if loaded.Panel.ChannelID != "223456789012345678" {
		t.Errorf("panel channel lost: %q", loaded.Panel.ChannelID)
	}
	if loaded.Metadata == nil || loaded.Metadata.Module != "audio" {
		t.Errorf("expected stamped metadata, got %+v", loaded.Metadata)
	}
}

func TestConfigLoadFallsBackToBackup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audio.json")
	store := NewConfigStore(path)

	cfg := DefaultAudioConfig()
	cfg.DefaultVolume = 30
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	cfg.DefaultVolume = 60
	if err := store.Save(cfg); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	// Corrupt the main file; the backup holds the previous save.
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	loaded := NewConfigStore(path).Load()
	if loaded.DefaultVolume != 30 {
		t.Errorf("expected backup volume 30, got %d", loaded.DefaultVolume)
	}
}

func TestConfigLoadDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(filepath.Join(t.TempDir(), "audio.json"))
	loaded := store.Load()
	if loaded.DefaultVolume != 50 {
		t.Errorf("expected default volume 50, got %d", loaded.DefaultVolume)
	}
	if !loaded.Enabled {
		t.Error("expected enabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultAudioConfig()
	cfg.DefaultVolume = 101
	if err := cfg.Validate(); !errors.Is(err, ErrVolumeRange) {
		t.Errorf("expected ErrVolumeRange, got %v", err)
	}

	cfg = DefaultAudioConfig()
	cfg.MusicDirectory = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty music directory")
	}

	cfg = DefaultAudioConfig()
	cfg.AllowedFormats = []string{"mp3"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for format without dot")
	}
}

func TestConfigSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(filepath.Join(t.TempDir(), "audio.json"))
	cfg := DefaultAudioConfig()
	cfg.DefaultVolume = -1
	if err := store.Save(cfg); err == nil {
		t.Fatal("expected save to reject invalid config")
	}
}

func TestMigrateLegacyChannelNames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audio.json")

	// Write a legacy (pre-schema) file with channel names.
	legacy := map[string]any{
		"enabled":           true,
		"musicDirectory":    "music",
		"allowedFormats":    []string{".mp3"},
		"defaultVolume":     40,
		"voiceChannelId":    "Lounge",
		"announceChannelId": "general",
		"panel":             map[string]any{"channelId": "ghost-town", "autoUpdate": true, "embedColor": "#5865F2"},
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	store := NewConfigStore(path)
	resolver := &fakeResolver{
		voice: map[string]snowflake.ID{"Lounge": 111111111111111111},
		text:  map[string]snowflake.ID{"general": 222222222222222222},
	}
	if err := store.Migrate(resolver); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := store.Get()
	if cfg.VoiceChannelID != "111111111111111111" {
		t.Errorf("voice channel not resolved: %q", cfg.VoiceChannelID)
	}
	if cfg.AnnounceChannelID != "222222222222222222" {
		t.Errorf("announce channel not resolved: %q", cfg.AnnounceChannelID)
	}
	// Unresolvable names are cleared, not left dangling.
	if cfg.Panel.ChannelID != "" {
		t.Errorf("expected unresolvable panel channel cleared, got %q", cfg.Panel.ChannelID)
	}
	if cfg.SchemaVersion != 2 {
		t.Errorf("expected schema version 2, got %d", cfg.SchemaVersion)
	}

	// Running again is a no-op even with an empty resolver.
	if err := store.Migrate(&fakeResolver{}); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	cfg = store.Get()
	if cfg.VoiceChannelID != "111111111111111111" {
		t.Errorf("second migrate changed data: %q", cfg.VoiceChannelID)
	}
}

func TestMigrateKeepsSnowflakes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audio.json")
	legacy := map[string]any{
		"enabled":        true,
		"musicDirectory": "music",
		"allowedFormats": []string{".mp3"},
		"defaultVolume":  40,
		"voiceChannelId": "123456789012345678",
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	store := NewConfigStore(path)
	if err := store.Migrate(&fakeResolver{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got := store.Get().VoiceChannelID; got != "123456789012345678" {
		t.Errorf("snowflake id should pass through migration, got %q", got)
	}
}

func TestHistoricalBackupsTrimmed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewConfigStore(filepath.Join(dir, "audio.json"))
	cfg := DefaultAudioConfig()
	for i := 0; i <= maxHistoricalBackups+3; i++ {
		cfg.DefaultVolume = 10 + i
		if err := store.Save(cfg); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "audio-*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) > maxHistoricalBackups {
		t.Errorf("expected at most %d historical backups, got %d", maxHistoricalBackups, len(matches))
	}
}
