package main

import (
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Volume Control
// ===========================

var ErrVolumeRange = errors.New("volume out of range")

const (
	MinVolume  = 0
	MaxVolume  = 100
	VolumeStep = 10
)

// Volume returns the guild's current volume, falling back to the configured
// default for guilds with no state yet.
func (e *AudioEngine) Volume(guildID snowflake.ID) int {
	e.mu.Lock()
	g, ok := e.guilds[guildID]
	e.mu.Unlock()
	if !ok {
		return e.config.Get().DefaultVolume
	}
	return int(g.gain.Load())
}

// SetVolume sets the guild's volume. Out-of-range values are rejected, not
// clamped. Takes effect mid-track: the transcoder reads the gain per frame.
func (e *AudioEngine) SetVolume(guildID snowflake.ID, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrVolumeRange, volume, MinVolume, MaxVolume)
	}
	g := e.guild(guildID)
	g.gain.Store(int32(volume))
	LogAudio("Volume in guild %s set to %d", guildID, volume)
	return nil
}

// AdjustVolume shifts the volume by delta, clamping to the valid range, and
// returns the resulting volume. Used by the panel's step buttons.
func (e *AudioEngine) AdjustVolume(guildID snowflake.ID, delta int) int {
	g := e.guild(guildID)
	v := int(g.gain.Load()) + delta
	if v < MinVolume {
		v = MinVolume
	}
	if v > MaxVolume {
		v = MaxVolume
	}
	g.gain.Store(int32(v))
	LogAudio("Volume in guild %s adjusted to %d", guildID, v)
	return v
}
