// Package ollama adapts a local model runtime speaking newline-delimited JSON
// into the internal raw delta shape.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/internal/httpclient"
)

// Client implements core.Provider against a local runtime.
type Client struct {
	httpClient *http.Client
	opts       options
}

// New constructs a local-runtime client.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = httpclient.New()
	}
	return &Client{httpClient: o.httpClient, opts: o}
}

// Name implements core.Provider.
func (c *Client) Name() string { return "ollama" }

// IsAvailable probes the runtime's tag listing endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// Stream opens a streaming generation call. Errors returned here are
// pre-stream connectivity faults; once a RawStream is returned all faults
// surface on the stream itself.
func (c *Client) Stream(ctx context.Context, req core.Request) (*core.RawStream, error) {
	payload := generateRequest{
		Model:  chooseModel(req.Model, c.opts.model),
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
	}
	if req.MaxTokens > 0 || req.Temperature != 0 {
		payload.Options = map[string]any{}
		if req.MaxTokens > 0 {
			payload.Options["num_predict"] = req.MaxTokens
		}
		if req.Temperature != 0 {
			payload.Options["temperature"] = req.Temperature
		}
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	// The request context must outlive Stream so the watchdog and caller
	// cancellation can both abort the underlying connection.
	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL()+"/api/generate", buf)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama: %s: %s", resp.Status, data)
	}

	stream := core.NewRawStream(ctx, 64)
	go c.consumeStream(reqCtx, cancel, resp.Body, stream)
	return stream, nil
}

func (c *Client) consumeStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, stream *core.RawStream) {
	defer cancel()
	defer body.Close()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.opts.stallTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		watchdog.Reset(c.opts.stallTimeout)
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			stream.Fail(core.NewError(core.ErrProviderError, "decode runtime chunk", core.WithWrapped(err)))
			return
		}
		if chunk.Error != "" {
			stream.Fail(core.NewError(core.ErrProviderError, chunk.Error))
			return
		}
		if chunk.Response != "" {
			stream.Push(core.RawDelta{Text: chunk.Response, Role: "assistant"})
		}
		if chunk.Done {
			stream.Push(core.RawDelta{Finish: true})
			_ = stream.Close()
			return
		}
	}
	stream.Fail(c.classifyReadFault(ctx, scanner.Err(), &timedOut))
}

// classifyReadFault maps a broken read loop to the taxonomy: watchdog firings
// become provider_timeout, caller cancellation becomes cancelled, everything
// else is a provider fault (including EOF before the final done chunk).
func (c *Client) classifyReadFault(ctx context.Context, err error, timedOut *atomic.Bool) error {
	if timedOut.Load() {
		return core.NewError(core.ErrProviderTimeout,
			fmt.Sprintf("no bytes within %s stall window", c.opts.stallTimeout))
	}
	if ctx.Err() != nil {
		return core.NewError(core.ErrCancelled, "stream cancelled", core.WithWrapped(ctx.Err()))
	}
	if err == nil {
		err = errors.New("stream ended before completion")
	}
	return core.WrapError(err, core.ErrProviderError)
}

func (c *Client) baseURL() string {
	return strings.TrimRight(c.opts.baseURL, "/")
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
