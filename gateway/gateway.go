package gateway

import (
	"context"
	"strings"
	"sync"

	"auralis_expression/expression"
	"auralis_expression/logger"
)

// Publisher delivers change events to viewers. Implementations must not
// block on slow viewers.
type Publisher interface {
	Publish(ctx context.Context, event expression.ChangeEvent) error
}

// ChangeRequest is a directed expression change from a controller.
type ChangeRequest struct {
	Expression string
	Transition string
	Duration   *float64
}

// Result describes an accepted change.
type Result struct {
	DisplayName string
	Entry       expression.Entry
	Event       expression.ChangeEvent
}

// Summary is the controller-facing view of one entry.
type Summary struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	IsDefault   bool   `json:"isDefault"`
}

// Current is the controller-facing view of the current selection.
type Current struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Gateway validates change requests, records them as the durable current
// selection and emits exactly one event per accepted request.
type Gateway struct {
	store     *expression.Store
	publisher Publisher
	log       *logger.Logger

	// mu keeps emission order equal to selection order.
	mu sync.Mutex
}

func New(store *expression.Store, publisher Publisher, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{store: store, publisher: publisher, log: log.With("component", "CommandGateway")}
}

// RequestChange applies a directed change. Unknown names, transitions and
// durations fail without touching state or publishing anything.
func (g *Gateway) RequestChange(ctx context.Context, req ChangeRequest) (Result, error) {
	transition, err := expression.ParseTransition(req.Transition)
	if err != nil {
		return Result{}, err
	}
	duration, err := expression.ValidateDuration(req.Duration)
	if err != nil {
		return Result{}, err
	}
	name := strings.TrimSpace(req.Expression)

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, err := g.store.Select(ctx, name)
	if err != nil {
		return Result{}, err
	}

	event := expression.ChangeEvent{
		Mode:           entry.Mode,
		Payload:        entry.Clone(),
		Transition:     transition,
		DurationMillis: duration,
	}
	if g.publisher != nil {
		if err := g.publisher.Publish(ctx, event); err != nil {
			g.log.Warn("publish expression change failed", "expression", name, "error", err)
		}
	}

	g.log.Info("expression changed", "expression", name, "transition", transition, "duration", duration)
	return Result{DisplayName: entry.DisplayName, Entry: entry, Event: event}, nil
}

// ListExpressions lists the entries of the active mode.
func (g *Gateway) ListExpressions(ctx context.Context) ([]Summary, error) {
	state, err := g.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(state.Entries))
	for _, entry := range state.Entries {
		out = append(out, Summary{
			Name:        entry.Name,
			DisplayName: entry.DisplayName,
			IsDefault:   entry.ID == state.CurrentID,
		})
	}
	return out, nil
}

// CurrentExpression returns nil when nothing is selected.
func (g *Gateway) CurrentExpression(ctx context.Context) (*Current, error) {
	state, err := g.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if state.Current == nil {
		return nil, nil
	}
	return &Current{Name: state.Current.Name, DisplayName: state.Current.DisplayName}, nil
}
