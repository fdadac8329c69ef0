// Package animation turns discrete expression changes into continuous
// per-frame output for a single viewer: eased weight interpolation plus
// idle blink and breathing.
package animation

import (
	"math"
	"time"

	"auralis_expression/expression"
)

// RenderTarget receives the engine's output. A nil target means no model is
// bound; the engine keeps running and skips application.
type RenderTarget interface {
	SetChannelWeight(channel string, weight float64)
	SetBodyScale(scale float64)
}

// Frame is the output of one tick.
type Frame struct {
	Mode      expression.Mode
	Weights   expression.Weights
	BodyScale float64
	Blink     float64

	Interpolating bool

	// Flat-image output.
	Entry          *expression.Entry
	AnimationClass string
}

// interpolation is captured once per change event and never mutated.
type interpolation struct {
	start  expression.Weights
	target expression.Weights
	total  time.Duration
}

// sample evaluates the ease-out cubic at elapsed. done reports t >= 1.
func (in interpolation) sample(elapsed time.Duration) (expression.Weights, bool) {
	t := 1.0
	if in.total > 0 {
		t = clamp(float64(elapsed)/float64(in.total), 0, 1)
	}
	if t >= 1 {
		return settle(in.target), true
	}
	eased := easeOutCubic(t)
	out := make(expression.Weights, len(in.target))
	for channel, target := range in.target {
		start := in.start[channel]
		out[channel] = start + (target-start)*eased
	}
	return out, false
}

// Engine is a single viewer's animation state. It is not safe for concurrent
// use; one goroutine drives Apply and Tick.
type Engine struct {
	opts   Options
	target RenderTarget

	mode    expression.Mode
	current expression.Weights

	active  *interpolation
	elapsed time.Duration

	blink  blinkState
	breath breathState

	entry        *expression.Entry
	pendingClass string

	applied map[string]struct{}
}

func New(target RenderTarget, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{
		opts:    o,
		target:  target,
		mode:    expression.ModePreset,
		current: expression.Weights{},
		applied: map[string]struct{}{},
	}
	e.blink.rearm(o)
	return e
}

// SetTarget swaps the render target, e.g. after a model rebind.
func (e *Engine) SetTarget(target RenderTarget) {
	e.target = target
	e.applied = map[string]struct{}{}
}

// Mode returns the mode of the last applied change.
func (e *Engine) Mode() expression.Mode {
	return e.mode
}

// Current returns a copy of the directed weights.
func (e *Engine) Current() expression.Weights {
	return e.current.Clone()
}

// Entry returns the displayed flat-image entry, if any.
func (e *Engine) Entry() *expression.Entry {
	if e.entry == nil {
		return nil
	}
	clone := e.entry.Clone()
	return &clone
}

// Interpolating reports whether a directed transition is in flight.
func (e *Engine) Interpolating() bool {
	return e.active != nil
}

// Apply starts the transition described by event. A newer event always
// supersedes one still in flight.
func (e *Engine) Apply(event expression.ChangeEvent) {
	e.switchMode(event.Mode)

	switch event.Mode {
	case expression.ModeImage:
		entry := event.Payload.Clone()
		e.entry = &entry
		e.pendingClass = ""
		if event.Duration() > 0 {
			e.pendingClass = AnimationClass(event.Transition)
		}
	case expression.ModePreset:
		var weights expression.Weights
		if event.Payload.Preset != nil {
			weights = event.Payload.Preset.Weights
		}
		duration := event.Duration()
		if duration <= 0 || event.Transition == expression.TransitionInstant {
			e.snap(weights)
			return
		}
		e.begin(weights, duration)
	}
}

// ApplyInstant shows entry immediately with no transition. A nil entry
// clears the directed state. Used for initial load and resync.
func (e *Engine) ApplyInstant(mode expression.Mode, entry *expression.Entry) {
	e.switchMode(mode)
	switch mode {
	case expression.ModeImage:
		e.pendingClass = ""
		if entry == nil {
			e.entry = nil
			return
		}
		clone := entry.Clone()
		e.entry = &clone
	case expression.ModePreset:
		if entry == nil || entry.Preset == nil {
			e.snap(nil)
			return
		}
		e.snap(entry.Preset.Weights)
	}
}

// Tick advances every sub-state by dt and pushes the result to the render
// target.
func (e *Engine) Tick(dt time.Duration) Frame {
	if dt < 0 {
		dt = 0
	}

	if e.mode == expression.ModeImage {
		frame := Frame{Mode: e.mode, BodyScale: 1, Entry: e.Entry(), AnimationClass: e.pendingClass}
		e.pendingClass = ""
		return frame
	}

	if e.active != nil {
		e.elapsed += dt
		weights, done := e.active.sample(e.elapsed)
		e.current = weights
		if done {
			e.active = nil
			e.elapsed = 0
		}
	}

	blink := e.blink.advance(dt, e.eyeWeight(), e.opts)
	scale := e.breath.advance(dt, e.opts)

	out := e.current.Clone()
	if blink > 0 {
		out[e.opts.BlinkChannel] = math.Max(out[e.opts.BlinkChannel], blink)
	}

	frame := Frame{
		Mode:          e.mode,
		Weights:       out,
		BodyScale:     scale,
		Blink:         blink,
		Interpolating: e.active != nil,
	}
	e.render(frame)
	return frame
}

func (e *Engine) switchMode(mode expression.Mode) {
	if mode == e.mode {
		return
	}
	e.mode = mode
	e.active = nil
	e.elapsed = 0
	e.current = expression.Weights{}
	e.entry = nil
	e.pendingClass = ""
	e.blink.reset(e.opts)
}

// snap replaces the directed weights immediately and cancels any transition.
func (e *Engine) snap(weights expression.Weights) {
	e.active = nil
	e.elapsed = 0
	e.current = settle(weights)
}

func (e *Engine) begin(weights expression.Weights, total time.Duration) {
	start := e.current.Clone()
	target := make(expression.Weights, len(weights)+len(start))
	for channel, w := range weights {
		target[channel] = w
	}
	// Anything lit now but not re-asserted fades out.
	for channel, w := range start {
		if _, ok := target[channel]; !ok && w != 0 {
			target[channel] = 0
		}
	}
	for channel := range target {
		if _, ok := start[channel]; !ok {
			start[channel] = 0
		}
	}
	e.active = &interpolation{start: start, target: target, total: total}
	e.elapsed = 0
}

func (e *Engine) eyeWeight() float64 {
	highest := 0.0
	for _, channel := range e.opts.EyeChannels {
		highest = math.Max(highest, e.current[channel])
	}
	return highest
}

func (e *Engine) render(frame Frame) {
	if e.target == nil {
		return
	}
	for channel := range e.applied {
		if _, ok := frame.Weights[channel]; !ok {
			e.target.SetChannelWeight(channel, 0)
			delete(e.applied, channel)
		}
	}
	for channel, w := range frame.Weights {
		e.target.SetChannelWeight(channel, w)
		e.applied[channel] = struct{}{}
	}
	e.target.SetBodyScale(frame.BodyScale)
}

// AnimationClass names the presentation effect for a flat-image change.
func AnimationClass(t expression.Transition) string {
	switch t {
	case expression.TransitionInstant, "":
		return ""
	default:
		return "expression-" + string(t)
	}
}

func easeOutCubic(t float64) float64 {
	inv := 1 - t
	return 1 - inv*inv*inv
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// settle copies weights and drops channels resolved to exactly zero.
func settle(weights expression.Weights) expression.Weights {
	out := make(expression.Weights, len(weights))
	for channel, w := range weights {
		if w != 0 {
			out[channel] = w
		}
	}
	return out
}
