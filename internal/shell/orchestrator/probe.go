package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks whether a deployed application answers.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber issues GET requests. Any response below 500 counts as healthy:
// the application is serving even if it has no route at the probed path.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose individual requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return nil
}
