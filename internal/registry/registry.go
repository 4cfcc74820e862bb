// Package registry implements the optional outbound "room up/down"
// registration hook: a fire-and-forget HTTP notification to an
// operator-configured URL. Failures are logged and never propagate to
// the relay loop.
package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/NodeTunnel/relay-server/internal/logs"
)

// Hook posts room lifecycle notifications. A zero-value URL disables
// it entirely (every call becomes a no-op).
type Hook struct {
	url    string
	client *http.Client
	logger logs.Logger
}

// NewHook builds a Hook targeting url. An empty url makes every
// subsequent call a no-op.
func NewHook(url string, logger logs.Logger) *Hook {
	return &Hook{
		url:    url,
		client: &http.Client{Timeout: 3 * time.Second},
		logger: logger,
	}
}

type roomRecord struct {
	JoinCode string `json:"join_code"`
	AppToken string `json:"app_token"`
}

// RoomUp notifies the registry that a room was created. Runs
// asynchronously; callers never block on it.
func (h *Hook) RoomUp(joinCode, appToken string) {
	if h.url == "" {
		return
	}
	go h.post(http.MethodPost, joinCode, appToken)
}

// RoomDown notifies the registry that a room was destroyed (the
// inverse call to RoomUp).
func (h *Hook) RoomDown(joinCode, appToken string) {
	if h.url == "" {
		return
	}
	go h.post(http.MethodDelete, joinCode, appToken)
}

func (h *Hook) post(method, joinCode, appToken string) {
	body, err := json.Marshal(roomRecord{JoinCode: joinCode, AppToken: appToken})
	if err != nil {
		h.logger.Warn("registry: marshaling room record", logs.F("err", err.Error()))
		return
	}

	req, err := http.NewRequest(method, h.url, bytes.NewReader(body))
	if err != nil {
		h.logger.Warn("registry: building request", logs.F("err", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("registry: request failed", logs.F("err", err.Error()), logs.F("url", h.url))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		h.logger.Warn("registry: non-2xx response", logs.F("status", resp.StatusCode), logs.F("url", h.url))
	}
}
