package animation

import (
	"math"
	"math/rand/v2"
	"time"
)

// Options tunes the idle animations.
type Options struct {
	BlinkChannel      string
	EyeChannels       []string
	SuppressThreshold float64
	BlinkMinInterval  time.Duration
	BlinkMaxInterval  time.Duration
	BlinkDuration     time.Duration
	BreathPeriod      time.Duration
	BreathAmplitude   float64
	// Rand returns values in [0, 1).
	Rand func() float64
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		BlinkChannel:      "blink",
		EyeChannels:       []string{"blink", "blinkLeft", "blinkRight"},
		SuppressThreshold: 0.3,
		BlinkMinInterval:  3 * time.Second,
		BlinkMaxInterval:  7 * time.Second,
		BlinkDuration:     150 * time.Millisecond,
		BreathPeriod:      4 * time.Second,
		BreathAmplitude:   0.003,
		Rand:              rand.Float64,
	}
}

// WithRand injects the random source used for blink intervals.
func WithRand(r func() float64) Option {
	return func(o *Options) {
		if r != nil {
			o.Rand = r
		}
	}
}

// WithBlinkInterval overrides the [min, max) blink interval.
func WithBlinkInterval(min, max time.Duration) Option {
	return func(o *Options) {
		if min > 0 && max >= min {
			o.BlinkMinInterval = min
			o.BlinkMaxInterval = max
		}
	}
}

// WithEyeChannels overrides the channels that suppress blinking.
func WithEyeChannels(channels ...string) Option {
	return func(o *Options) {
		o.EyeChannels = append([]string(nil), channels...)
	}
}

type blinkState struct {
	timer     time.Duration
	threshold time.Duration
	phase     time.Duration
	blinking  bool
}

func (b *blinkState) rearm(o Options) {
	b.timer = 0
	b.phase = 0
	b.blinking = false
	span := o.BlinkMaxInterval - o.BlinkMinInterval
	b.threshold = o.BlinkMinInterval + time.Duration(o.Rand()*float64(span))
}

func (b *blinkState) reset(o Options) {
	b.rearm(o)
}

// advance returns the blink wave value for this tick. eye is the highest
// directed weight among the eye channels.
func (b *blinkState) advance(dt time.Duration, eye float64, o Options) float64 {
	if eye > o.SuppressThreshold {
		b.rearm(o)
		return 0
	}

	if b.blinking {
		b.phase += dt
		if b.phase >= o.BlinkDuration {
			b.rearm(o)
			return 0
		}
		return triangle(float64(b.phase) / float64(o.BlinkDuration))
	}

	b.timer += dt
	if b.timer >= b.threshold {
		b.blinking = true
		b.phase = 0
	}
	return 0
}

// triangle maps p in [0, 1) to 0 -> 1 -> 0.
func triangle(p float64) float64 {
	return 1 - math.Abs(2*p-1)
}

type breathState struct {
	phase time.Duration
}

// advance returns the body scale for this tick.
func (b *breathState) advance(dt time.Duration, o Options) float64 {
	if o.BreathPeriod <= 0 {
		return 1
	}
	b.phase = time.Duration(math.Mod(float64(b.phase+dt), float64(o.BreathPeriod)))
	angle := 2 * math.Pi * float64(b.phase) / float64(o.BreathPeriod)
	return 1 + o.BreathAmplitude*math.Sin(angle)
}
