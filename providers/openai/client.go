// Package openai adapts the cloud chat completions SSE wire format into the
// internal raw delta shape.
package openai

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

// Client implements core.Provider against the chat completions API.
type Client struct {
	httpClient *http.Client
	opts       options
}

// New constructs a cloud API client.
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
func (c *Client) Name() string { return "openai" }

// IsAvailable probes the model listing endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/models", nil)
	if err != nil {
		return false
	}
	c.setAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// Stream opens a streaming chat completion. Errors returned here are
// pre-stream connectivity faults eligible for silent fallback.
func (c *Client) Stream(ctx context.Context, req core.Request) (*core.RawStream, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload := chatCompletionRequest{
		Model:       chooseModel(req.Model, c.opts.model),
		Messages:    messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL()+"/chat/completions", buf)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.setAuth(httpReq)
	for k, v := range c.opts.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai: %s: %s", resp.Status, data)
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
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			stream.Push(core.RawDelta{Finish: true})
			_ = stream.Close()
			return
		}
		var delta streamDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			stream.Fail(core.NewError(core.ErrProviderError, "decode stream chunk", core.WithWrapped(err)))
			return
		}
		if delta.Error != nil {
			stream.Fail(core.NewError(core.ErrProviderError, delta.Error.Message))
			return
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]
		if choice.Delta.Content != "" {
			role := choice.Delta.Role
			if role == "" {
				role = "assistant"
			}
			stream.Push(core.RawDelta{Text: choice.Delta.Content, Role: role})
		}
		if choice.FinishReason != "" {
			stream.Push(core.RawDelta{Finish: true})
			_ = stream.Close()
			return
		}
	}
	stream.Fail(c.classifyReadFault(ctx, scanner.Err(), &timedOut))
}

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

func (c *Client) setAuth(req *http.Request) {
	if c.opts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.apiKey)
	}
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
