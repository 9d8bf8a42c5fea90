package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/parley/internal/config"
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/Wyydra/parley/internal/core/service"
	"github.com/Wyydra/parley/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Relay    *service.Relay
	Presence port.PresenceStore
	Metrics  *metrics.Metrics
	Config   *config.Config
}

// NewHandler wires the HTTP surface. presence may be nil, in which case the
// room listing comes straight from the relay.
func NewHandler(relay *service.Relay, presence port.PresenceStore, m *metrics.Metrics, cfg *config.Config) *Handler {
	return &Handler{
		Relay:    relay,
		Presence: presence,
		Metrics:  m,
		Config:   cfg,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.PrometheusHandler(h.Metrics))

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", h.ListRooms)
		r.Post("/rooms", h.CreateRoom)
		r.Get("/ice", h.ICEServers)
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.Relay.ClientCount(),
	})
}

// ListRooms returns current room membership. With a presence store the
// listing reflects what the store holds, which is what other relay
// processes sharing it would see too.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	if h.Presence == nil {
		writeJSON(w, http.StatusOK, h.Relay.Rooms())
		return
	}
	rooms, err := h.Presence.Rooms(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read presence")
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	if rooms == nil {
		rooms = []port.RoomPresence{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// CreateRoom hands out a fresh meeting code. Rooms only exist once someone
// joins, so nothing is stored here.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	code, err := domain.NewMeetingCode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate meeting code")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"roomId": code.String()})
}

func (h *Handler) ICEServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config.ICE)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
