package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeSTUNOnly = "stun-only"
	ICEModeTURNOnly = "turn-only"

	DefaultSTUN = "stun:stun.l.google.com:19302"
)

// ICEServer uses the browser RTCIceServer field names so it can be handed
// to clients as is.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEConfig struct {
	Mode    string      `json:"mode"`
	Servers []ICEServer `json:"iceServers"`
}

// LoadICE builds the ICE server list from the environment.
//
// Env vars:
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials
// - ICE_MODE: stun-turn (default), stun-only, turn-only
func LoadICE(mode string) (ICEConfig, error) {
	mode = strings.ToLower(pick(mode, "ICE_MODE", ICEModeSTUNTURN))
	switch mode {
	case ICEModeSTUNTURN, ICEModeSTUNOnly, ICEModeTURNOnly:
	default:
		return ICEConfig{}, fmt.Errorf("unknown ICE mode %q", mode)
	}

	stunURLs := splitAndClean(os.Getenv("STUN_URLS"))
	turnURLs := splitAndClean(os.Getenv("TURN_URLS"))
	username := strings.TrimSpace(os.Getenv("TURN_USERNAME"))
	password := strings.TrimSpace(os.Getenv("TURN_PASSWORD"))

	var servers []ICEServer
	if mode != ICEModeTURNOnly {
		if len(stunURLs) == 0 {
			stunURLs = []string{DefaultSTUN}
		}
		servers = append(servers, ICEServer{URLs: stunURLs})
	}

	if mode != ICEModeSTUNOnly {
		if len(turnURLs) > 0 {
			servers = append(servers, ICEServer{
				URLs:       turnURLs,
				Username:   username,
				Credential: password,
			})
		} else if mode == ICEModeSTUNTURN {
			log.Debug().Msg("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if mode == ICEModeTURNOnly && len(servers) == 0 {
		log.Warn().Msg("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, ICEServer{URLs: []string{DefaultSTUN}})
	}

	return ICEConfig{Mode: mode, Servers: servers}, nil
}
