package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRestarter calls the serving API's restart endpoint.
type HTTPRestarter struct {
	URL   string
	Token string
	// TokenFunc, when set, is called once per request and takes precedence over
	// Token.
	TokenFunc func() (string, error)
	Client    *http.Client
}

func (h *HTTPRestarter) Restart(ctx context.Context) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("build restart request: %w", err)
	}
	token := h.Token
	if h.TokenFunc != nil {
		if token, err = h.TokenFunc(); err != nil {
			return fmt.Errorf("restart token: %w", err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("restart %s: %w", h.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("restart %s: %s: %s", h.URL, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
