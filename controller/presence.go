package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"auralis_expression/cache"
	"auralis_expression/logger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "expression:controllers:"
	presenceTTL       = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	presenceTimeout   = 2 * time.Second
)

// Registration is what a controller instance advertises about itself.
type Registration struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"started_at"`
}

// Presence advertises one controller instance in Redis. Every failure is
// logged and otherwise ignored.
type Presence struct {
	client *goredis.Client
	reg    Registration
	log    *logger.Logger
}

// NewPresence returns nil when client is nil.
func NewPresence(client *goredis.Client, name, transport string, log *logger.Logger) *Presence {
	if client == nil {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "expression-controller"
	}
	return &Presence{
		client: client,
		reg: Registration{
			ID:        uuid.NewString(),
			Name:      name,
			Transport: transport,
			StartedAt: time.Now().UTC(),
		},
		log: log.With("component", "ControllerPresence"),
	}
}

func (p *Presence) ID() string {
	if p == nil {
		return ""
	}
	return p.reg.ID
}

// Run registers, refreshes every heartbeat and unregisters when ctx ends.
func (p *Presence) Run(ctx context.Context) {
	if p == nil {
		return
	}
	p.register(ctx)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.unregister()
			return
		case <-ticker.C:
			p.register(ctx)
		}
	}
}

func (p *Presence) register(ctx context.Context) {
	raw, err := json.Marshal(p.reg)
	if err != nil {
		p.log.Warn("encode controller registration failed", "error", err)
		return
	}
	callCtx, cancel := cache.Timeout(ctx, presenceTimeout)
	defer cancel()
	if err := p.client.Set(callCtx, presenceKeyPrefix+p.reg.ID, raw, presenceTTL).Err(); err != nil {
		p.log.Warn("controller heartbeat failed", "controllerID", p.reg.ID, "error", err)
	}
}

func (p *Presence) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := p.client.Del(ctx, presenceKeyPrefix+p.reg.ID).Err(); err != nil {
		p.log.Warn("controller unregister failed", "controllerID", p.reg.ID, "error", err)
	}
}

// ActiveControllers lists the live registrations.
func ActiveControllers(ctx context.Context, client *goredis.Client) ([]Registration, error) {
	if client == nil {
		return nil, nil
	}
	callCtx, cancel := cache.Timeout(ctx, presenceTimeout)
	defer cancel()

	var out []Registration
	iter := client.Scan(callCtx, 0, presenceKeyPrefix+"*", 100).Iterator()
	for iter.Next(callCtx) {
		raw, err := client.Get(callCtx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var reg Registration
		if err := json.Unmarshal(raw, &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, iter.Err()
}
