package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Wyydra/parley/internal/config"
	"github.com/Wyydra/parley/internal/core/port"
)

const apiTimeout = 10 * time.Second

// wsURL turns the relay base url into its WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func apiURL(base, path string) string {
	return strings.TrimSuffix(strings.TrimSpace(base), "/") + path
}

func doJSON(ctx context.Context, method, url string, wantStatus int, out any) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: unexpected status %s", method, url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchRooms(ctx context.Context, base string) ([]port.RoomPresence, error) {
	var rooms []port.RoomPresence
	err := doJSON(ctx, http.MethodGet, apiURL(base, "/api/rooms"), http.StatusOK, &rooms)
	return rooms, err
}

func fetchICE(ctx context.Context, base string) (config.ICEConfig, error) {
	var ice config.ICEConfig
	err := doJSON(ctx, http.MethodGet, apiURL(base, "/api/ice"), http.StatusOK, &ice)
	return ice, err
}

func createRoom(ctx context.Context, base string) (string, error) {
	var body struct {
		RoomID string `json:"roomId"`
	}
	if err := doJSON(ctx, http.MethodPost, apiURL(base, "/api/rooms"), http.StatusCreated, &body); err != nil {
		return "", err
	}
	return body.RoomID, nil
}
