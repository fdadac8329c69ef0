// Package viewer is a headless viewer that follows the shared expression
// state: it subscribes to change events, resyncs from the state endpoint on
// every (re)connect and drives an animation engine from a tick loop.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"auralis_expression/animation"
	"auralis_expression/broadcast"
	"auralis_expression/expression"
	"auralis_expression/logger"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	TickRate   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Target     animation.RenderTarget
	Engine     []animation.Option
	// OnFrame is called from the tick loop after every frame.
	OnFrame func(animation.Frame)
	Logger  *logger.Logger
}

// Client keeps one viewer in sync with the server.
type Client struct {
	opts   Options
	http   *resty.Client
	wsURL  string
	engine *animation.Engine
	log    *logger.Logger
}

type stateEntry struct {
	ID          string             `json:"id"`
	Mode        expression.Mode    `json:"mode"`
	Name        string             `json:"name"`
	DisplayName string             `json:"display_name"`
	ImageURL    *string            `json:"image_url"`
	Weights     expression.Weights `json:"weights"`
}

type stateResponse struct {
	Mode      expression.Mode `json:"mode"`
	CurrentID string          `json:"current_id"`
	Current   *stateEntry     `json:"current"`
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("viewer: invalid base url %q", opts.BaseURL)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("viewer: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"

	if opts.TickRate <= 0 {
		opts.TickRate = 60
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &Client{
		opts:   opts,
		http:   httpClient,
		wsURL:  parsed.String(),
		engine: animation.New(opts.Target, opts.Engine...),
		log:    log.With("component", "ViewerClient"),
	}, nil
}

// Run follows the server until ctx ends, reconnecting with capped
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		synced, err := c.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			backoff = c.opts.MinBackoff
		}
		c.log.Warn("viewer disconnected; retrying", "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// follow runs one connection. synced reports whether the resync succeeded.
func (c *Client) follow(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 8 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("viewer: connect failed: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Events that arrive while the state is being fetched wait here. Those
	// the fetched state does not yet reflect are applied after it, in order.
	events := make(chan broadcast.Envelope, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			var envelope broadcast.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				readErr <- err
				return
			}
			if envelope.Type != broadcast.EventTypeExpressionChange {
				continue
			}
			select {
			case events <- envelope:
			case <-connCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	currentID, err := c.resync(connCtx)
	if err != nil {
		return false, err
	}
	for _, envelope := range skipSynced(drain(events), currentID) {
		c.engine.Apply(envelope.Data)
	}

	interval := time.Second / time.Duration(c.opts.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case envelope, ok := <-events:
			if !ok {
				select {
				case err := <-readErr:
					return true, err
				default:
					return true, errors.New("viewer: event stream closed")
				}
			}
			c.engine.Apply(envelope.Data)
		case now := <-ticker.C:
			frame := c.engine.Tick(now.Sub(last))
			last = now
			if c.opts.OnFrame != nil {
				c.opts.OnFrame(frame)
			}
		}
	}
}

// drain takes every event already queued without blocking.
func drain(events <-chan broadcast.Envelope) []broadcast.Envelope {
	var pending []broadcast.Envelope
	for {
		select {
		case envelope, ok := <-events:
			if !ok {
				return pending
			}
			pending = append(pending, envelope)
		default:
			return pending
		}
	}
}

// skipSynced drops the queued events the fetched state already reflects:
// everything up to the last event selecting currentID.
func skipSynced(pending []broadcast.Envelope, currentID string) []broadcast.Envelope {
	if currentID == "" {
		return pending
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].Data.Payload.ID == currentID {
			return pending[i+1:]
		}
	}
	return pending
}

// resync pulls the durable state, applies it with no transition and returns
// the current selection id.
func (c *Client) resync(ctx context.Context) (string, error) {
	var state stateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&state).
		Get("/expressions/state")
	if err != nil {
		return "", fmt.Errorf("viewer: fetch state: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("viewer: fetch state: status %d", resp.StatusCode())
	}

	var current *expression.Entry
	if state.Current != nil {
		entry := state.Current.toEntry()
		current = &entry
	}
	c.engine.ApplyInstant(state.Mode, current)
	c.log.Debug("viewer resynced", "mode", state.Mode, "currentID", state.CurrentID)
	return state.CurrentID, nil
}

func (s stateEntry) toEntry() expression.Entry {
	entry := expression.Entry{
		ID:          s.ID,
		Mode:        s.Mode,
		Name:        s.Name,
		DisplayName: s.DisplayName,
	}
	switch s.Mode {
	case expression.ModeImage:
		path := ""
		if s.ImageURL != nil {
			path = *s.ImageURL
		}
		entry.Image = &expression.ImagePayload{AssetPath: path}
	case expression.ModePreset:
		entry.Preset = &expression.PresetPayload{Weights: s.Weights.Clone()}
	}
	return entry
}
