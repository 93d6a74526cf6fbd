// Package chat proxies a single visitor question to an OpenAI-compatible
// chat-completion endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/k3a/html2text"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

// Apology is returned to the visitor whenever the upstream call fails.
const Apology = "Sorry, I can't answer right now. Please try again in a moment."

const (
	defaultTimeout  = 30 * time.Second
	maxMessageRunes = 2000
	maxResponseSize = 1 << 20
)

// Sentinel errors.
var (
	ErrEmptyMessage = errors.NewStd("message is empty")
	ErrTooLong      = errors.NewStd("message is too long")
)

// Answer is the text handed back to the page.
type Answer struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
}

func apology() Answer {
	return Answer{Text: Apology, Sources: []string{}}
}

// Client asks the completion endpoint one question at a time. There is no
// retry and no streaming.
type Client struct {
	http         *http.Client
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	log          logger.Logger
}

// NewClient creates a client. httpClient may be nil.
func NewClient(cfg conf.ChatSettings, httpClient *http.Client, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:         httpClient,
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		log:          log.Module("chat"),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

// Ask forwards text with the configured system prompt. It always returns an
// Answer and the HTTP status for the page: on failure the answer is the
// apology with no sources, the status is the upstream status when the
// upstream answered with a non-2xx, and 502 for every other upstream failure.
// An empty or oversized message is rejected with 400 before any call.
func (c *Client) Ask(ctx context.Context, text string) (Answer, int, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return apology(), http.StatusBadRequest, ErrEmptyMessage
	case len([]rune(text)) > maxMessageRunes:
		return apology(), http.StatusBadRequest, ErrTooLong
	}

	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return c.fail(http.StatusBadGateway, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fail(http.StatusBadGateway, errors.Newf("build chat request: %w", err).
			Component("chat").
			Category(errors.CategoryConfiguration).
			Build())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(http.StatusBadGateway, errors.Newf("chat upstream unreachable: %w", err).
			Component("chat").
			Category(errors.CategoryNetwork).
			Build())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return c.fail(http.StatusBadGateway, errors.Newf("read chat response: %w", err).
			Component("chat").
			Category(errors.CategoryNetwork).
			Build())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(resp.StatusCode, errors.Newf("chat upstream returned %d", resp.StatusCode).
			Component("chat").
			Category(errors.CategoryUpstream).
			Context("status", resp.StatusCode).
			Build())
	}

	answer, err := parseCompletion(raw)
	if err != nil {
		return c.fail(http.StatusBadGateway, err)
	}

	c.log.Debug("chat answered",
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("sources", len(answer.Sources)))
	return answer, http.StatusOK, nil
}

func (c *Client) fail(status int, err error) (Answer, int, error) {
	c.log.Warn("chat request failed", logger.Int("status", status), logger.Error(err))
	return apology(), status, err
}

// parseCompletion reads choices[0].message.content, strips any markup and
// collects source links from "citations" or "sources".
func parseCompletion(raw []byte) (Answer, error) {
	obj, err := jason.NewObjectFromBytes(raw)
	if err != nil {
		return Answer{}, upstreamError("malformed chat response: %w", err)
	}
	choices, err := obj.GetObjectArray("choices")
	if err != nil || len(choices) == 0 {
		return Answer{}, upstreamError("chat response has no choices")
	}
	content, err := choices[0].GetString("message", "content")
	if err != nil {
		return Answer{}, upstreamError("chat response has no message content: %w", err)
	}
	text := strings.TrimSpace(html2text.HTML2Text(content))
	if text == "" {
		return Answer{}, upstreamError("chat response is empty")
	}
	return Answer{Text: text, Sources: collectSources(obj)}, nil
}

func collectSources(obj *jason.Object) []string {
	sources := []string{}
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		seen[u] = true
		sources = append(sources, u)
	}

	if urls, err := obj.GetStringArray("citations"); err == nil {
		for _, u := range urls {
			add(u)
		}
	}
	if items, err := obj.GetValueArray("sources"); err == nil {
		for _, item := range items {
			if s, err := item.String(); err == nil {
				add(s)
				continue
			}
			if o, err := item.Object(); err == nil {
				if u, err := o.GetString("url"); err == nil {
					add(u)
				}
			}
		}
	}
	return sources
}

func upstreamError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("chat").
		Category(errors.CategoryUpstream).
		Build()
}
