package service

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const DefaultTURNTTL = 24 * time.Hour

type ICEConfig struct {
	STUNURLs []string
	TURNURLs []string
	// TURNSecret enables time-limited coturn REST credentials.
	TURNSecret string
	// Static credentials, used only when no secret is set.
	TURNUsername string
	TURNPassword string
	TTL          time.Duration
}

// ICEService hands out connectivity-helper servers to devices.
type ICEService struct {
	mu        sync.RWMutex
	cfg       ICEConfig
	scheduler port.Scheduler
}

func NewICEService(cfg ICEConfig, scheduler port.Scheduler) *ICEService {
	s := &ICEService{scheduler: scheduler}
	s.Update(cfg)
	return s
}

// Update swaps the configuration, e.g. after a TURN secret rotation.
func (s *ICEService) Update(cfg ICEConfig) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTURNTTL
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	log.Info().
		Int("stun", len(cfg.STUNURLs)).
		Int("turn", len(cfg.TURNURLs)).
		Bool("hmac", cfg.TURNSecret != "").
		Msg("ICE configuration loaded")
}

// Servers returns the descriptors for identity. TURN credentials derived from
// the secret expire after the configured TTL.
func (s *ICEService) Servers(identity domain.UserID) []domain.ICEServer {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	servers := make([]domain.ICEServer, 0, 2)
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, domain.ICEServer{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) == 0 {
		return servers
	}

	switch {
	case cfg.TURNSecret != "":
		username, credential := TURNCredentials(cfg.TURNSecret, identity, s.scheduler.Now().Add(cfg.TTL))
		servers = append(servers, domain.ICEServer{
			URLs:       cfg.TURNURLs,
			Username:   username,
			Credential: credential,
		})
	case cfg.TURNUsername != "":
		servers = append(servers, domain.ICEServer{
			URLs:       cfg.TURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}

// TURNCredentials derives coturn REST API credentials valid until expiry.
func TURNCredentials(secret string, identity domain.UserID, expiry time.Time) (username, credential string) {
	username = fmt.Sprintf("%d:%s", expiry.Unix(), identity)
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(h.Sum(nil))
}
