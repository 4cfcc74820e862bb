// Package auth implements application admission: a local token
// allow-list, optionally overridden by a remote HTTP check. The check
// always runs off the relay's event-loop goroutine and reports back
// through a channel, so a slow or unreachable remote service can never
// stall packet dispatch.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NodeTunnel/relay-server/internal/logs"
)

// Result is the outcome of one admission check, carried back to the
// relay loop.
type Result struct {
	Token   string
	Allowed bool
}

// Checker decides whether an application token is admitted, per
// spec's resolution of the local-vs-remote Open Question: remote is
// preferred when both endpoint and token are configured; the local
// allow-list is otherwise authoritative and also serves as the
// fallback when the remote check degrades.
type Checker struct {
	whitelist      map[string]bool
	remoteEndpoint string
	remoteToken    string
	client         *http.Client
	logger         logs.Logger
}

// NewChecker builds a Checker. An empty whitelist means "accept any
// token" for the local rule.
func NewChecker(whitelist []string, remoteEndpoint, remoteToken string, logger logs.Logger) *Checker {
	wl := make(map[string]bool, len(whitelist))
	for _, t := range whitelist {
		wl[t] = true
	}
	return &Checker{
		whitelist:      wl,
		remoteEndpoint: remoteEndpoint,
		remoteToken:    remoteToken,
		client:         &http.Client{Timeout: 3 * time.Second},
		logger:         logger,
	}
}

func (c *Checker) allowedLocally(token string) bool {
	if len(c.whitelist) == 0 {
		return true
	}
	return c.whitelist[token]
}

// Check runs the admission decision for token asynchronously,
// delivering exactly one Result on the returned channel.
func (c *Checker) Check(ctx context.Context, token string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)

		if c.remoteEndpoint == "" || c.remoteToken == "" {
			out <- Result{Token: token, Allowed: c.allowedLocally(token)}
			return
		}

		allowed, determined := c.checkRemote(ctx, token)
		if !determined {
			out <- Result{Token: token, Allowed: c.allowedLocally(token)}
			return
		}
		out <- Result{Token: token, Allowed: allowed}
	}()
	return out
}

// checkRemote issues GET {endpoint}/{token}. determined is false when
// the call itself failed or returned an ambiguous status, signaling
// the caller to fall back to the local rule.
func (c *Checker) checkRemote(ctx context.Context, token string) (allowed bool, determined bool) {
	url := strings.TrimRight(c.remoteEndpoint, "/") + "/" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warn("auth: building remote whitelist request", logs.F("err", err.Error()))
		return false, false
	}
	req.Header.Set("Authorization", "Bearer "+c.remoteToken)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("auth: remote whitelist check failed", logs.F("err", err.Error()), logs.F("endpoint", c.remoteEndpoint))
		return false, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, true
	case http.StatusNotFound:
		return false, true
	default:
		c.logger.Warn("auth: remote whitelist returned unexpected status", logs.F("status", resp.StatusCode))
		return false, false
	}
}
