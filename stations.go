package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ===========================
// Station Store
// ===========================

var (
	ErrStationNotFound = errors.New("station not found")
	ErrEmptyStation    = errors.New("station has no available tracks")
)

// Station is a named, ordered list of track filenames saved per guild.
// Filenames, not track ids, so a station survives catalog rescans and
// directory changes as long as the files keep their names.
type Station struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guildId"`
	Name      string    `json:"name"`
	Tracks    []string  `json:"tracks"`
	CreatedAt time.Time `json:"createdAt"`
}

// StationStore persists stations in sqlite.
type StationStore struct {
	db *sql.DB
}

func OpenStationStore(ctx context.Context, dataSourceName string) (*StationStore, error) {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := db.ExecContext(initCtx, p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	tx, err := db.BeginTx(initCtx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS station_tracks (
			station_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			filename TEXT NOT NULL,
			PRIMARY KEY (station_id, position),
			FOREIGN KEY (station_id) REFERENCES stations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_guild ON stations(guild_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return nil, fmt.Errorf("failed to create station tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	LogDatabase("Station store ready at %s", dataSourceName)
	return &StationStore{db: db}, nil
}

func (s *StationStore) Close() error {
	return s.db.Close()
}

// Create saves a new station and returns it with a generated id.
func (s *StationStore) Create(ctx context.Context, guildID, name string, tracks []string) (*Station, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("station name must not be empty")
	}

	st := &Station{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		Name:      name,
		Tracks:    tracks,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO stations (id, guild_id, name, created_at) VALUES (?, ?, ?, ?)",
		st.ID, st.GuildID, st.Name, st.CreatedAt); err != nil {
		return nil, err
	}
	for i, filename := range tracks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO station_tracks (station_id, position, filename) VALUES (?, ?, ?)",
			st.ID, i, filename); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	LogDatabase("Created station %q (%d tracks) for guild %s", st.Name, len(tracks), guildID)
	return st, nil
}

// Get loads one station by id.
func (s *StationStore) Get(ctx context.Context, id string) (*Station, error) {
	st := &Station{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT guild_id, name, created_at FROM stations WHERE id = ?", id).
		Scan(&st.GuildID, &st.Name, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT filename FROM station_tracks WHERE station_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, err
		}
		st.Tracks = append(st.Tracks, filename)
	}
	return st, rows.Err()
}

// List returns all stations of a guild, newest first, with track lists.
func (s *StationStore) List(ctx context.Context, guildID string) ([]*Station, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM stations WHERE guild_id = ? ORDER BY created_at DESC", guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stations := []*Station{}
	for rows.Next() {
		st := &Station{GuildID: guildID}
		if err := rows.Scan(&st.ID, &st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, st := range stations {
		trackRows, err := s.db.QueryContext(ctx,
			"SELECT filename FROM station_tracks WHERE station_id = ? ORDER BY position", st.ID)
		if err != nil {
			return nil, err
		}
		for trackRows.Next() {
			var filename string
			if err := trackRows.Scan(&filename); err != nil {
				trackRows.Close()
				return nil, err
			}
			st.Tracks = append(st.Tracks, filename)
		}
		if err := trackRows.Err(); err != nil {
			trackRows.Close()
			return nil, err
		}
		trackRows.Close()
	}
	return stations, nil
}

// Delete removes a station and its track rows.
func (s *StationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM stations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM station_tracks WHERE station_id = ?", id)
	return err
}

// Resolve maps a station's filenames to catalog tracks, skipping files that
// no longer exist on disk. Order is preserved.
func (s *StationStore) Resolve(station *Station, catalog *Catalog) []Track {
	all, err := catalog.Scan()
	if err != nil {
		return nil
	}
	byName := make(map[string]Track, len(all))
	for _, t := range all {
		byName[t.Filename] = t
	}

	tracks := make([]Track, 0, len(station.Tracks))
	for _, filename := range station.Tracks {
		if t, ok := byName[filename]; ok {
			tracks = append(tracks, t)
		}
	}
	return tracks
}
