package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ===========================
// Track Catalog
// ===========================

// Track represents one playable audio file on disk. Tracks are immutable
// once scanned; a rescan replaces the whole catalog.
type Track struct {
	ID              string `json:"id"`
	Filename        string `json:"filename"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	SizeBytes       int64  `json:"sizeBytes"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Path            string `json:"-"`
}

// Catalog scans a music directory for playable tracks. It holds no state
// between calls; callers that need a live list call Scan again.
type Catalog struct {
	Dir            string
	AllowedFormats []string
}

func NewCatalog(dir string, formats []string) *Catalog {
	return &Catalog{Dir: dir, AllowedFormats: formats}
}

// Scan lists the music directory and returns all playable tracks in a stable
// order. A missing directory is created and yields an empty catalog.
func (c *Catalog) Scan() ([]Track, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(c.Dir, 0755); mkErr != nil {
				return nil, mkErr
			}
			LogAudio("Created music directory: %s", c.Dir)
			return []Track{}, nil
		}
		return nil, err
	}

	tracks := make([]Track, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !c.allowed(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		tracks = append(tracks, newTrack(c.Dir, entry.Name(), info.Size()))
	}

	slices.SortFunc(tracks, func(a, b Track) int {
		return strings.Compare(a.Filename, b.Filename)
	})
	return tracks, nil
}

// FindByID resolves a track by its stable id via a fresh scan.
func (c *Catalog) FindByID(id string) (Track, bool) {
	tracks, err := c.Scan()
	if err != nil {
		return Track{}, false
	}
	for _, t := range tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// FindByFilename resolves a track by exact (case-sensitive) filename.
func (c *Catalog) FindByFilename(name string) (Track, bool) {
	tracks, err := c.Scan()
	if err != nil {
		return Track{}, false
	}
	for _, t := range tracks {
		if t.Filename == name {
			return t, true
		}
	}
	return Track{}, false
}

func (c *Catalog) allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, f := range c.AllowedFormats {
		if ext == strings.ToLower(f) {
			return true
		}
	}
	return false
}

func newTrack(dir, filename string, size int64) Track {
	artist, title := parseTrackName(filename)
	return Track{
		ID:        trackID(filename),
		Filename:  filename,
		Title:     title,
		Artist:    artist,
		SizeBytes: size,
		Path:      filepath.Join(dir, filename),
	}
}

// parseTrackName splits a "Artist - Title.ext" filename. Files without the
// separator use the whole base name as title with artist "Unknown".
func parseTrackName(filename string) (artist, title string) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if idx := strings.Index(base, " - "); idx >= 0 {
		artist = strings.TrimSpace(base[:idx])
		title = strings.TrimSpace(base[idx+3:])
		if artist != "" && title != "" {
			return artist, title
		}
	}
	return "Unknown", base
}

// trackID derives a stable identifier from the filename alone, so a rescan
// keeps ids valid as long as the file is not renamed.
func trackID(filename string) string {
	sum := sha256.Sum256([]byte(filename))
	return hex.EncodeToString(sum[:8])
}
