package expression

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("expression: entry not found")
	ErrInvalidReference  = errors.New("expression: selection references a missing entry")
	ErrUnknownExpression = errors.New("expression: unknown expression")
	ErrInvalidTransition = errors.New("expression: invalid transition")
	ErrInvalidDuration   = errors.New("expression: invalid duration")
	ErrDuplicateName     = errors.New("expression: name already registered")
	ErrInvalidWeight     = errors.New("expression: channel weight must be within [0, 1]")
	ErrInvalidMode       = errors.New("expression: invalid display mode")
	ErrInvalidEntry      = errors.New("expression: invalid entry")
)

// Mode selects which entry namespace is active for the deployment.
type Mode string

const (
	ModeImage  Mode = "image"
	ModePreset Mode = "preset"
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeImage:
		return ModeImage, nil
	case ModePreset:
		return ModePreset, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Transition is the visual effect requested for a change.
type Transition string

const (
	TransitionFade      Transition = "fade"
	TransitionQuickFade Transition = "quick-fade"
	TransitionSlide     Transition = "slide"
	TransitionZoom      Transition = "zoom"
	TransitionShake     Transition = "shake"
	TransitionInstant   Transition = "instant"
)

const (
	DefaultTransition     = TransitionFade
	DefaultDurationMillis = 300.0
	MaxDurationMillis     = 600_000.0 // ten minutes
)

// Transitions lists every accepted transition kind.
var Transitions = []Transition{
	TransitionFade,
	TransitionQuickFade,
	TransitionSlide,
	TransitionZoom,
	TransitionShake,
	TransitionInstant,
}

// ParseTransition returns DefaultTransition for an empty value and rejects
// anything outside Transitions.
func ParseTransition(raw string) (Transition, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return DefaultTransition, nil
	}
	for _, t := range Transitions {
		if string(t) == trimmed {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransition, raw)
}

// ValidateDuration returns DefaultDurationMillis when ms is nil. Values
// outside [0, MaxDurationMillis] are rejected.
func ValidateDuration(ms *float64) (float64, error) {
	if ms == nil {
		return DefaultDurationMillis, nil
	}
	v := *ms
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > MaxDurationMillis {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, v)
	}
	return v, nil
}

// Weights maps channel names to weights in [0, 1]. Missing channels are 0.
type Weights map[string]float64

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	if w == nil {
		return Weights{}
	}
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Validate checks channel names and weight bounds.
func (w Weights) Validate() error {
	for name, v := range w {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty channel name", ErrInvalidWeight)
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeight, name, v)
		}
	}
	return nil
}

// ImagePayload is the flat-image shape of an entry.
type ImagePayload struct {
	AssetPath string `json:"asset_path"`
}

// PresetPayload is the weighted-preset shape of an entry.
type PresetPayload struct {
	Weights Weights `json:"weights"`
}

// Entry is a registered expression. Exactly one of Image or Preset is set,
// matching Mode.
type Entry struct {
	ID          string         `json:"id"`
	Mode        Mode           `json:"mode"`
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Image       *ImagePayload  `json:"image,omitempty"`
	Preset      *PresetPayload `json:"preset,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone deep-copies the entry so it can leave the store safely.
func (e Entry) Clone() Entry {
	out := e
	switch e.Mode {
	case ModeImage:
		if e.Image != nil {
			img := *e.Image
			out.Image = &img
		}
		out.Preset = nil
	case ModePreset:
		if e.Preset != nil {
			out.Preset = &PresetPayload{Weights: e.Preset.Weights.Clone()}
		}
		out.Image = nil
	}
	return out
}

// Validate checks the identity fields and that the payload matches the mode tag.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntry)
	}
	switch e.Mode {
	case ModeImage:
		if e.Image == nil || strings.TrimSpace(e.Image.AssetPath) == "" {
			return fmt.Errorf("%w: image entries need an asset", ErrInvalidEntry)
		}
		if e.Preset != nil {
			return fmt.Errorf("%w: image entries cannot carry weights", ErrInvalidEntry)
		}
	case ModePreset:
		if e.Preset == nil {
			return fmt.Errorf("%w: preset entries need weights", ErrInvalidEntry)
		}
		if e.Image != nil {
			return fmt.Errorf("%w: preset entries cannot carry an image", ErrInvalidEntry)
		}
		if err := e.Preset.Weights.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, e.Mode)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched. Name is immutable.
type Patch struct {
	DisplayName *string
	AssetPath   *string
	Weights     Weights
}

// ChangeEvent is the ephemeral message broadcast for a directed change.
type ChangeEvent struct {
	Mode           Mode       `json:"mode"`
	Payload        Entry      `json:"payload"`
	Transition     Transition `json:"transition"`
	DurationMillis float64    `json:"duration"`
}

// Duration converts DurationMillis to a time.Duration, saturating at
// MaxDurationMillis. NaN and negative values yield 0.
func (e ChangeEvent) Duration() time.Duration {
	ms := e.DurationMillis
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms > MaxDurationMillis:
		ms = MaxDurationMillis
	}
	return time.Duration(ms * float64(time.Millisecond))
}
