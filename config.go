package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Durable Audio Configuration
// ===========================

const (
	configModule  = "audio"
	configVersion = "2.0.0"

	// audioSchemaVersion is bumped whenever a stored config needs a
	// migration step. See configMigrations.
	audioSchemaVersion = 2

	maxHistoricalBackups = 5
)

type PanelConfig struct {
	GuildID    string `json:"guildId"`
	ChannelID  string `json:"channelId"`
	MessageID  string `json:"messageId"`
	AutoUpdate bool   `json:"autoUpdate"`
	EmbedColor string `json:"embedColor"`
}

type ConfigMetadata struct {
	Module    string    `json:"module"`
	LastSaved time.Time `json:"lastSaved"`
	Version   string    `json:"version"`
}

// AudioConfig is the engine's durable configuration. Channel fields hold
// snowflake ids; configs written before schema v2 may still hold
// human-readable channel names, which MigrateLegacyChannelReferences fixes.
type AudioConfig struct {
	Enabled           bool            `json:"enabled"`
	MusicDirectory    string          `json:"musicDirectory"`
	AllowedFormats    []string        `json:"allowedFormats"`
	DefaultVolume     int             `json:"defaultVolume"`
	VoiceChannelID    string          `json:"voiceChannelId"`
	AnnounceChannelID string          `json:"announceChannelId"`
	Panel             PanelConfig     `json:"panel"`
	SchemaVersion     int             `json:"schemaVersion"`
	Metadata          *ConfigMetadata `json:"_metadata,omitempty"`
}

func DefaultAudioConfig() *AudioConfig {
	return &AudioConfig{
		Enabled:        true,
		MusicDirectory: "music",
		AllowedFormats: []string{".mp3", ".wav", ".ogg", ".m4a", ".flac"},
		DefaultVolume:  50,
		Panel: PanelConfig{
			AutoUpdate: true,
			EmbedColor: "#5865F2",
		},
		SchemaVersion: audioSchemaVersion,
	}
}

func (c *AudioConfig) Clone() *AudioConfig {
	out := *c
	out.AllowedFormats = slices.Clone(c.AllowedFormats)
	if c.Metadata != nil {
		meta := *c.Metadata
		out.Metadata = &meta
	}
	return &out
}

func (c *AudioConfig) Validate() error {
	if c.DefaultVolume < 0 || c.DefaultVolume > 100 {
		return fmt.Errorf("%w: defaultVolume %d not in [0,100]", ErrVolumeRange, c.DefaultVolume)
	}
	if c.MusicDirectory == "" {
		return fmt.Errorf("musicDirectory must not be empty")
	}
	for _, f := range c.AllowedFormats {
		if !strings.HasPrefix(f, ".") || len(f) < 2 {
			return fmt.Errorf("invalid allowed format %q", f)
		}
	}
	return nil
}

// ===========================
// Config Store
// ===========================

// ConfigStore persists AudioConfig as a JSON file with a sibling backup.
// Writes are atomic: backup the current file, write a temp file, rename.
type ConfigStore struct {
	path string

	mu  sync.Mutex
	cfg *AudioConfig
}

func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

func (s *ConfigStore) backupPath() string {
	ext := filepath.Ext(s.path)
	return strings.TrimSuffix(s.path, ext) + ".backup" + ext
}

// Load reads the durable config. A corrupt or missing main file falls back to
// the most recent backup; with no usable backup it returns defaults. Load
// never fails hard: the engine must stay usable with a broken config dir.
func (s *ConfigStore) Load() *AudioConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, err := readConfigFile(s.path); err == nil {
		s.cfg = cfg
		return cfg.Clone()
	} else if !os.IsNotExist(err) {
		LogConfig("Config file unreadable (%v), trying backup", err)
	}

	if cfg, err := readConfigFile(s.backupPath()); err == nil {
		LogConfig("Recovered config from backup")
		s.cfg = cfg
		return cfg.Clone()
	}

	s.cfg = DefaultAudioConfig()
	return s.cfg.Clone()
}

// Get returns the cached config, loading it on first use.
func (s *ConfigStore) Get() *AudioConfig {
	s.mu.Lock()
	cached := s.cfg
	s.mu.Unlock()
	if cached != nil {
		return cached.Clone()
	}
	return s.Load()
}

// Save validates and persists the config, stamping _metadata. The previous
// file is copied aside first so a crash mid-write never loses durable state.
func (s *ConfigStore) Save(cfg *AudioConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := cfg.Clone()
	out.Metadata = &ConfigMetadata{
		Module:    configModule,
		LastSaved: time.Now().UTC(),
		Version:   configVersion,
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.backupPath(), prev, 0644); err != nil {
			return fmt.Errorf("write config backup: %w", err)
		}
		s.writeHistoricalBackup(prev)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}

	s.cfg = out
	return nil
}

// Update applies a validated partial update under the store lock and saves.
func (s *ConfigStore) Update(apply func(cfg *AudioConfig) error) (*AudioConfig, error) {
	cfg := s.Get()
	if err := apply(cfg); err != nil {
		return nil, err
	}
	if err := s.Save(cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

func (s *ConfigStore) writeHistoricalBackup(data []byte) {
	dir := filepath.Dir(s.path)
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(filepath.Base(s.path), ext)

	name := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return
	}

	pattern := filepath.Join(dir, base+"-*"+ext)
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= maxHistoricalBackups {
		return
	}
	slices.Sort(matches)
	for _, old := range matches[:len(matches)-maxHistoricalBackups] {
		_ = os.Remove(old)
	}
}

func readConfigFile(path string) (*AudioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultAudioConfig()
	cfg.SchemaVersion = 1
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	return cfg, nil
}

// ===========================
// Schema Migrations
// ===========================

// ChannelResolver resolves a human-readable channel name to its id, scanning
// the channels known to the gateway.
type ChannelResolver interface {
	ResolveVoiceChannel(name string) (snowflake.ID, bool)
	ResolveTextChannel(name string) (snowflake.ID, bool)
}

type configMigration struct {
	from  int
	apply func(cfg *AudioConfig, resolver ChannelResolver)
}

var configMigrations = []configMigration{
	{from: 1, apply: migrateLegacyChannelReferences},
}

// Migrate runs all pending schema migrations and persists the result. Already
// migrated configs pass through untouched, so running twice is a no-op.
func (s *ConfigStore) Migrate(resolver ChannelResolver) error {
	cfg := s.Get()
	if cfg.SchemaVersion >= audioSchemaVersion {
		return nil
	}

	for _, m := range configMigrations {
		if cfg.SchemaVersion != m.from {
			continue
		}
		m.apply(cfg, resolver)
		cfg.SchemaVersion = m.from + 1
		LogConfig("Migrated config schema v%d -> v%d", m.from, cfg.SchemaVersion)
	}

	return s.Save(cfg)
}

// migrateLegacyChannelReferences replaces channel names stored by older
// versions with stable ids. Names that no longer resolve are cleared, failing
// safe to "unconfigured" rather than leaving a dangling reference.
func migrateLegacyChannelReferences(cfg *AudioConfig, resolver ChannelResolver) {
	cfg.VoiceChannelID = resolveChannelField(cfg.VoiceChannelID, resolver.ResolveVoiceChannel)
	cfg.AnnounceChannelID = resolveChannelField(cfg.AnnounceChannelID, resolver.ResolveTextChannel)
	cfg.Panel.ChannelID = resolveChannelField(cfg.Panel.ChannelID, resolver.ResolveTextChannel)
}

func resolveChannelField(value string, resolve func(string) (snowflake.ID, bool)) string {
	if value == "" || isSnowflake(value) {
		return value
	}
	if id, ok := resolve(value); ok {
		LogConfig("Resolved legacy channel reference %q -> %s", value, id)
		return id.String()
	}
	LogConfig("Could not resolve legacy channel reference %q, clearing", value)
	return ""
}

func isSnowflake(s string) bool {
	if len(s) < 17 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
