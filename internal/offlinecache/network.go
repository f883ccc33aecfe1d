package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is a fetch as seen by the worker. URL is origin-relative
// (path plus query) and doubles as the cache key.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Document bool
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Network performs fetches the cache could not answer.
type Network interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

type NetworkFunc func(ctx context.Context, req Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

const maxResponseBytes = 32 << 20

// ErrResponseTooLarge is returned for bodies over the network size limit.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
	"Trailer",
}

// HTTPNetwork fetches from the app origin.
type HTTPNetwork struct {
	origin     string
	httpClient *http.Client
	maxBytes   int64
}

func NewHTTPNetwork(origin string, httpClient *http.Client) *HTTPNetwork {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPNetwork{origin: origin, httpClient: httpClient, maxBytes: maxResponseBytes}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req Request) (*Response, error) {
	if n.origin == "" {
		return nil, errors.New("network origin is not configured")
	}
	target := req.URL
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), n.origin+target, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > n.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, target, n.maxBytes)
	}
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: header, Body: data}, nil
}
