package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/mux"
)

// ===========================
// HTTP Control Plane
// ===========================

// Server exposes the engine over a local REST API so playback can be driven
// without Discord interactions (dashboards, scripts, health checks).
type Server struct {
	engine *AudioEngine
	http   *http.Server
}

func NewServer(engine *AudioEngine, addr string) *Server {
	s := &Server{engine: engine}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	g := r.PathPrefix("/api/guilds/{guildID:[0-9]+}").Subrouter()
	g.HandleFunc("/tracks", s.handleTracks).Methods(http.MethodGet)
	g.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	g.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	g.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	g.HandleFunc("/play", s.handlePlay).Methods(http.MethodPost)
	g.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	g.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	g.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	g.HandleFunc("/volume", s.handleGetVolume).Methods(http.MethodGet)
	g.HandleFunc("/volume", s.handleSetVolume).Methods(http.MethodPost)
	g.HandleFunc("/volume/up", s.handleVolumeStep(VolumeStep)).Methods(http.MethodPost)
	g.HandleFunc("/volume/down", s.handleVolumeStep(-VolumeStep)).Methods(http.MethodPost)
	g.HandleFunc("/stations", s.handleListStations).Methods(http.MethodGet)
	g.HandleFunc("/stations", s.handleCreateStation).Methods(http.MethodPost)
	g.HandleFunc("/stations/{stationID}", s.handleDeleteStation).Methods(http.MethodDelete)
	g.HandleFunc("/panel", s.handlePostPanel).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	LogServer("Control API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ===========================
// Responses
// ===========================

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTrackNotFound), errors.Is(err, ErrStationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrEmptyStation), errors.Is(err, ErrNoJoinableChannel), errors.Is(err, ErrVolumeRange):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": msg})
}

func guildIDFrom(r *http.Request) (snowflake.ID, error) {
	return snowflake.Parse(mux.Vars(r)["guildID"])
}

// ===========================
// Handlers
// ===========================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.engine.Catalog().Scan()
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, tracks)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	writeOK(w, s.engine.Status(guildID))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.engine.config.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var incoming AudioConfig
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeBadRequest(w, "invalid settings payload")
		return
	}
	updated, err := s.engine.config.Update(func(cfg *AudioConfig) error {
		incoming.SchemaVersion = cfg.SchemaVersion
		incoming.Panel.MessageID = cfg.Panel.MessageID
		*cfg = incoming
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	var req struct {
		Track   string `json:"track"`
		Station string `json:"station"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid play payload")
		return
	}

	switch {
	case req.Station != "":
		err = s.engine.PlayStation(r.Context(), guildID, req.Station)
	case req.Track != "":
		err = s.engine.PlayTrack(r.Context(), guildID, req.Track)
	default:
		writeBadRequest(w, "track or station required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.engine.Status(guildID))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	if err := s.engine.Stop(r.Context(), guildID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.engine.Status(guildID))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	var req struct {
		ChannelID string `json:"channelId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var target snowflake.ID
	if req.ChannelID != "" {
		if target, err = snowflake.Parse(req.ChannelID); err != nil {
			writeBadRequest(w, "invalid channel id")
			return
		}
	} else if target, err = s.engine.autoJoinTarget(guildID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.engine.Join(r.Context(), guildID, target); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.engine.Status(guildID))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	if err := s.engine.Leave(r.Context(), guildID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.engine.Status(guildID))
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	writeOK(w, map[string]int{"volume": s.engine.Volume(guildID)})
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	var req struct {
		Volume int `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid volume payload")
		return
	}
	if err := s.engine.SetVolume(guildID, req.Volume); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]int{"volume": req.Volume})
}

func (s *Server) handleVolumeStep(delta int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID, err := guildIDFrom(r)
		if err != nil {
			writeBadRequest(w, "invalid guild id")
			return
		}
		writeOK(w, map[string]int{"volume": s.engine.AdjustVolume(guildID, delta)})
	}
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	stations, err := s.engine.stations.List(r.Context(), guildID.String())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, stations)
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	var req struct {
		Name   string   `json:"name"`
		Tracks []string `json:"tracks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid station payload")
		return
	}
	station, err := s.engine.stations.Create(r.Context(), guildID.String(), req.Name, req.Tracks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": station})
}

func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.stations.Delete(r.Context(), mux.Vars(r)["stationID"]); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handlePostPanel(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDFrom(r)
	if err != nil {
		writeBadRequest(w, "invalid guild id")
		return
	}
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid panel payload")
		return
	}
	target := req.ChannelID
	if target == "" {
		target = s.engine.config.Get().Panel.ChannelID
	}
	channelID, err := snowflake.Parse(target)
	if err != nil {
		writeBadRequest(w, "no panel channel given or configured")
		return
	}
	if err := s.engine.PostPanel(r.Context(), guildID, channelID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}
