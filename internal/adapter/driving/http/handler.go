package http

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/Wyydra/securecall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
	LoginTimeout   time.Duration
	Client         ws.ClientConfig
	PushEnabled    bool
}

type Handler struct {
	Presence  *service.PresenceRegistry
	Calls     *service.CallRegistry
	Relay     *service.SignalingRelay
	Chat      *service.ChatService
	ICE       *service.ICEService
	Directory port.Directory

	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(
	presence *service.PresenceRegistry,
	calls *service.CallRegistry,
	relay *service.SignalingRelay,
	chat *service.ChatService,
	ice *service.ICEService,
	directory port.Directory,
	opts Options,
) *Handler {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 15 * time.Second
	}
	if opts.Client.PongTimeout <= 0 {
		opts.Client.PongTimeout = 60 * time.Second
	}
	h := &Handler{
		Presence:  presence,
		Calls:     calls,
		Relay:     relay,
		Chat:      chat,
		ICE:       ice,
		Directory: directory,
		opts:      opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/webrtc-config", h.WebRTCConfig)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	return r
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// Native devices send no Origin header.
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

type webRTCConfigResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

func (h *Handler) WebRTCConfig(w http.ResponseWriter, r *http.Request) {
	identity := domain.UserID(r.URL.Query().Get("identity"))
	if identity == "" {
		identity = "securecall"
	}
	writeJSON(w, http.StatusOK, webRTCConfigResponse{ICEServers: h.ICE.Servers(identity)})
}

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Online      int       `json:"online"`
	ActiveCalls int       `json:"activeCalls"`
	Push        bool      `json:"push"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Online:      h.Presence.Count(),
		ActiveCalls: h.Calls.ActiveCount(),
		Push:        h.opts.PushEnabled,
	})
}

type statsResponse struct {
	Online      []domain.UserID `json:"online"`
	ActiveCalls int             `json:"activeCalls"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Online:      h.Presence.Online(),
		ActiveCalls: h.Calls.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error writing response")
	}
}
