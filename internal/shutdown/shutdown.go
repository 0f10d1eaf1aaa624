// Package shutdown tears down CLI components in a fixed order once a command
// finishes or is interrupted.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Closer is anything released at shutdown.
type Closer interface {
	Close() error
}

// Hook runs before components are closed.
type Hook func(ctx context.Context) error

// Priorities; lower runs first.
const (
	PriorityConverter = 10
	PriorityCompactor = 20
	PriorityCatalog   = 30
	PriorityStorage   = 40
	PriorityMetrics   = 50
)

type entry struct {
	name     string
	closer   Closer
	hook     Hook
	priority int
}

// Coordinator runs registered hooks, then closes registered components, each
// group in priority order. Registration order breaks ties.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	components []entry
	hooks      []entry

	once sync.Once
	err  error
}

// New creates a coordinator whose Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
	}
}

// Register adds a component to close.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, entry{name: name, closer: closer, priority: priority})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered component for shutdown")
}

// RegisterHook adds a function run before any component is closed.
func (c *Coordinator) RegisterHook(name string, hook Hook, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, entry{name: name, hook: hook, priority: priority})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown hook")
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs every hook and closes every component, even after failures,
// and returns the combined error. Later calls return the first result.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		c.mu.Lock()
		hooks := sortedByPriority(c.hooks)
		components := sortedByPriority(c.components)
		c.mu.Unlock()

		for _, h := range hooks {
			if ctx.Err() != nil {
				c.logger.Warn().Str("hook", h.name).Msg("Shutdown timeout reached, skipping remaining hooks")
				c.err = multierr.Append(c.err, ctx.Err())
				return
			}
			if err := h.hook(ctx); err != nil {
				c.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown hook failed")
				c.err = multierr.Append(c.err, err)
			}
		}

		for _, comp := range components {
			if ctx.Err() != nil {
				c.logger.Warn().Str("component", comp.name).Msg("Shutdown timeout reached, skipping remaining components")
				c.err = multierr.Append(c.err, ctx.Err())
				return
			}
			if err := comp.closer.Close(); err != nil {
				c.logger.Error().Err(err).Str("name", comp.name).Msg("Component shutdown failed")
				c.err = multierr.Append(c.err, err)
			}
		}

		c.logger.Debug().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	})
	return c.err
}

func sortedByPriority(entries []entry) []entry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b entry) int { return a.priority - b.priority })
	return out
}
