package ollama

import (
	"net/http"
	"time"
)

type Option func(*options)

type options struct {
	baseURL      string
	model        string
	httpClient   *http.Client
	stallTimeout time.Duration
	probeTimeout time.Duration
}

func defaultOptions() options {
	return options{
		baseURL:      "http://localhost:11434",
		model:        "llama3.1",
		stallTimeout: 30 * time.Second,
		probeTimeout: 2 * time.Second,
	}
}

// WithBaseURL overrides the runtime base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithStallTimeout bounds the gap between consecutive stream chunks. When no
// bytes arrive within the window the connection is aborted and the stream
// fails with provider_timeout.
func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

// WithProbeTimeout bounds the IsAvailable reachability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) { o.probeTimeout = d }
}
