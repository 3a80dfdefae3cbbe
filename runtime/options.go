package runtime

import (
	"io"
	"log/slog"
	"maps"
	"time"
)

// DefaultMaxSteps is the exec dequeue ceiling applied when none is set.
const DefaultMaxSteps = 10000

// Option configures an Engine.
type Option func(*config)

type config struct {
	runID     string
	observer  Observer
	vars      map[string]any
	maxSteps  int
	logger    *slog.Logger
	handler   EventHandler
	bus       EventPublisher
	decorator EventEmitterDecorator
	now       func() time.Time
	out       io.Writer
}

func defaultConfig() config {
	return config{
		maxSteps: DefaultMaxSteps,
		now:      time.Now,
	}
}

// WithObserver sets the observer notified of exec node lifecycle callbacks.
func WithObserver(obs Observer) Option {
	return func(c *config) { c.observer = obs }
}

// WithVariables seeds the variable store. Values override the
// definition's own variables.
func WithVariables(vars map[string]any) Option {
	return func(c *config) {
		if c.vars == nil {
			c.vars = make(map[string]any, len(vars))
		}
		maps.Copy(c.vars, vars)
	}
}

// WithMaxSteps sets the exec dequeue ceiling. Values <= 0 keep the default.
func WithMaxSteps(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithLogger sets the logger for the engine and the nodes it runs.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEventHandler receives every event emitted during the run.
func WithEventHandler(h EventHandler) Option {
	return func(c *config) { c.handler = h }
}

// WithEventBus publishes every event emitted during the run.
func WithEventBus(p EventPublisher) Option {
	return func(c *config) { c.bus = p }
}

// WithEmitterDecorator wraps the internal event emitter.
func WithEmitterDecorator(d EventEmitterDecorator) Option {
	return func(c *config) { c.decorator = d }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(c *config) { c.runID = id }
}

// WithClock sets the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOutput sets the writer Print-style nodes write to.
func WithOutput(w io.Writer) Option {
	return func(c *config) { c.out = w }
}
