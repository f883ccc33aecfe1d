package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProber treats any HTTP response from URL as reachable; only
// transport failures count as offline.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProber{url: strings.TrimSpace(url), client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p.url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}
