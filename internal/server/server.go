package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/fairrecord/internal/audio"
	"github.com/audiolibrelab/fairrecord/internal/service"
	"github.com/audiolibrelab/fairrecord/internal/track"
)

const shutdownTimeout = 10 * time.Second

// Server represents the web server for controlling FairRecord
type Server struct {
	service  service.Service
	registry *prometheus.Registry
	listen   string
	mux      *http.ServeMux

	levels *levelHub
	tracks *broadcaster[TrackEvent]
	forget func(trackID string)

	// done ends open event streams on shutdown
	done     chan struct{}
	doneOnce sync.Once
}

// Options configure a Server
type Options struct {
	Listen string
	// Registry is served at /metrics; nothing is served there when nil
	Registry *prometheus.Registry
	// Forget is called with the id of each removed track
	Forget func(trackID string)
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string                    `json:"status"`
	Message       string                    `json:"message,omitempty"`
	Session       *service.RecordingSession `json:"session,omitempty"`
	ActiveProfile string                    `json:"active_profile"`
	Backend       string                    `json:"backend"`
	Tracks        []track.TrackInfo         `json:"tracks"`
}

// DeviceInfo describes a capture device for the UI
type DeviceInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Default    bool     `json:"default"`
	Formats    []string `json:"formats"`
	Negotiated string   `json:"negotiated,omitempty"`
}

// DevicesResponse represents the JSON response for devices endpoint
type DevicesResponse struct {
	Backend string       `json:"backend"`
	Devices []DeviceInfo `json:"devices"`
}

// TracksResponse represents the JSON response for tracks endpoint
type TracksResponse struct {
	Tracks []track.TrackInfo `json:"tracks"`
}

// TrackCreateRequest represents a request to add a track
type TrackCreateRequest struct {
	Device         string `json:"device"`
	Name           string `json:"name"`
	NoiseReduction bool   `json:"noise_reduction"`
}

// TrackSettingsRequest changes a track's settings; omitted fields are kept
type TrackSettingsRequest struct {
	Device         *string `json:"device,omitempty"`
	Name           *string `json:"name,omitempty"`
	NoiseReduction *bool   `json:"noise_reduction,omitempty"`
}

// ProfileSelectRequest represents a request to switch profiles
type ProfileSelectRequest struct {
	Profile string `json:"profile"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
	ID      string   `json:"id,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// New creates a web server around svc and registers it as the service's presenter
func New(svc service.Service, opts Options) *Server {
	s := &Server{
		service:  svc,
		registry: opts.Registry,
		listen:   opts.Listen,
		mux:      http.NewServeMux(),
		tracks:   newBroadcaster[TrackEvent](),
		forget:   opts.Forget,
		done:     make(chan struct{}),
	}
	s.levels = newLevelHub(func(id string) (<-chan audio.LevelSample, error) {
		return s.service.Tracks().Levels(id)
	})
	svc.SetPresenter(s)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("GET /api/tracks", s.handleTracks)
	s.mux.HandleFunc("POST /api/tracks", s.handleCreateTrack)
	s.mux.HandleFunc("DELETE /api/tracks/{id}", s.handleDeleteTrack)
	s.mux.HandleFunc("POST /api/tracks/{id}/start", s.handleStartTrack)
	s.mux.HandleFunc("POST /api/tracks/{id}/stop", s.handleStopTrack)
	s.mux.HandleFunc("PUT /api/tracks/{id}/settings", s.handleTrackSettings)
	s.mux.HandleFunc("GET /api/tracks/{id}/levels", s.handleTrackLevels)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/record/start", s.handleStartRecording)
	s.mux.HandleFunc("POST /api/record/stop", s.handleStopRecording)
	s.mux.HandleFunc("POST /api/profile", s.handleSelectProfile)
	if s.registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}
}

// Handler returns the HTTP handler with every route registered
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, port, _ := net.SplitHostPort(s.listen)
	slog.Info("Starting FairRecord Web Server",
		"listen", s.listen,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.doneOnce.Do(func() { close(s.done) })
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// TrackAdded publishes the new track to event subscribers
func (s *Server) TrackAdded(info track.TrackInfo) {
	s.tracks.publish(TrackEvent{Type: "added", ID: info.ID, Track: &info})
}

// TrackRemoved publishes the removal and drops the track's metric series
func (s *Server) TrackRemoved(id string) {
	if s.forget != nil {
		s.forget(id)
	}
	s.tracks.publish(TrackEvent{Type: "removed", ID: id})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, session := s.service.GetRecordingStatus()

	response := StatusResponse{
		Status:        string(status),
		Message:       s.generateStatusMessage(status, session),
		Session:       session,
		ActiveProfile: s.service.GetConfig().Profile,
		Backend:       s.service.Registry().BackendName(),
		Tracks:        s.service.Tracks().Tracks(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	registry := s.service.Registry()
	devices, err := registry.Enumerate()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to enumerate devices: %v", err), "operation", "devices")
		return
	}

	response := DevicesResponse{Backend: registry.BackendName(), Devices: make([]DeviceInfo, 0, len(devices))}
	for i := range devices {
		dev := &devices[i]
		info := DeviceInfo{ID: dev.ID, Name: dev.Name, Default: dev.Default}
		for _, f := range dev.CaptureFormats() {
			info.Formats = append(info.Formats, f.String())
		}
		if format, err := registry.NegotiateFormat(dev); err == nil {
			info.Negotiated = format.String()
		}
		response.Devices = append(response.Devices, info)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TracksResponse{Tracks: s.service.Tracks().Tracks()})
}

func (s *Server) handleCreateTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "create_track", "error", err)
		return
	}

	id, err := s.service.AddTrack(req.Device, req.Name, req.NoiseReduction)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to add track: %v", err), "operation", "create_track")
		return
	}

	info, err := s.service.Tracks().Track(id)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "create_track")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Tracks().RemoveTrack(id); err != nil {
		if errors.Is(err, track.ErrUnknownTrack) {
			s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "delete_track", "id", id)
			return
		}
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Track removed, recording lost: %v", err),
			"operation", "delete_track", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Track removed", ID: id})
}

func (s *Server) handleStartTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Tracks().Start(id); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start track: %v", err),
			"operation", "start_track", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started", ID: id})
}

func (s *Server) handleStopTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := s.service.Tracks().Stop(id)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop track: %v", err),
			"operation", "stop_track", "id", id)
		return
	}

	response := GenericResponse{Success: true, Message: "Recording stopped", ID: id}
	if path != "" {
		response.Files = []string{path}
	} else {
		response.Message = "Track was not recording"
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTrackSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req TrackSettingsRequest
	dec := json.NewDecoder(r.Body)
	// buffer_size is not settable
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "track_settings", "error", err)
		return
	}

	manager := s.service.Tracks()
	settings, err := manager.Settings(id)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "track_settings", "id", id)
		return
	}

	if req.Device != nil {
		dev, err := s.service.Registry().Find(*req.Device)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "track_settings", "id", id)
			return
		}
		settings.Device = dev
	}
	if req.Name != nil {
		settings.TrackName = *req.Name
	}
	if req.NoiseReduction != nil {
		settings.NoiseReduction = *req.NoiseReduction
	}

	if err := manager.SetSettings(id, settings); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "track_settings", "id", id)
		return
	}

	info, err := manager.Track(id)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "track_settings", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleTrackLevels streams a track's level samples as server-sent events
func (s *Server) handleTrackLevels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported", "operation", "levels")
		return
	}

	events, cancel, err := s.levels.subscribe(id)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "levels", "id", id)
		return
	}
	defer cancel()

	initializeSSEHeaders(w)
	flusher.Flush()
	slog.Debug("Level stream opened", "id", id, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeEvent(w, "level", ev); err != nil {
				slog.Debug("Level stream closed", "id", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleEvents streams track additions and removals
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported", "operation", "events")
		return
	}

	events, cancel := s.tracks.subscribe()
	defer cancel()

	initializeSSEHeaders(w)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, "track", ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStartRecording starts every track
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartRecording(); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStopRecording stops every track
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.StopRecording()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopped", Files: files})
}

// handleSelectProfile switches to another configuration profile
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}

	if err := s.service.LoadProfile(req.Profile); err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "select_profile", "profile", req.Profile)
		return
	}
	slog.Info("Profile selected", "profile", req.Profile)
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' loaded", req.Profile)})
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.RecordingStatus, session *service.RecordingSession) string {
	switch status {
	case service.StatusRecording:
		if session != nil {
			return fmt.Sprintf("Recording %d of %d tracks", len(session.TrackNames), session.TrackCount)
		}
		return "Recording in progress"
	case service.StatusError:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, track.ErrUnknownTrack):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrDeviceNotFound):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRecordingActive),
		errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, audio.ErrLineUnavailable),
		errors.Is(err, audio.ErrSessionDisposed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func initializeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
