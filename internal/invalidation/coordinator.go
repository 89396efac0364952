package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// Fetcher loads the current value of a view.
type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	fetch      Fetcher
	generation uint64
	cached     bool
	cachedGen  uint64
	value      any
}

// Coordinator caches view values and marks them stale when an operation
// covered by its Policy is reported.
type Coordinator struct {
	policy Policy
	logger *slog.Logger

	mu      sync.Mutex
	entries map[View]*entry
	group   singleflight.Group
}

// New builds a coordinator. A nil policy uses DefaultPolicy.
func New(policy Policy, logger *slog.Logger) *Coordinator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Coordinator{
		policy:  policy,
		logger:  logging.NewComponentLogger(logger, "invalidation"),
		entries: make(map[View]*entry),
	}
}

// Register attaches a fetcher to a view. Registering again replaces the
// fetcher and drops the cached value.
func (c *Coordinator) Register(v View, fetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(v)
	e.fetch = fetch
	e.cached = false
	e.value = nil
	e.generation++
}

func (c *Coordinator) entry(v View) *entry {
	e, ok := c.entries[v]
	if !ok {
		e = &entry{}
		c.entries[v] = e
	}
	return e
}

// Notify marks every view op covers as stale and returns them sorted.
func (c *Coordinator) Notify(op string) []View {
	affected := make(map[View]struct{})
	for _, v := range c.policy.Affected(op) {
		affected[v] = struct{}{}
	}

	c.mu.Lock()
	for v, e := range c.entries {
		if c.policy.Covers(op, v) {
			affected[v] = struct{}{}
			e.generation++
		}
	}
	for v := range affected {
		if _, ok := c.entries[v]; !ok {
			c.entry(v).generation++
		}
	}
	c.mu.Unlock()

	out := make([]View, 0, len(affected))
	for v := range affected {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if _, known := c.policy[op]; !known {
		logging.WarnWithContext(c.logger, "unknown operation invalidated all views", "invalidation_fallback",
			logging.String(logging.FieldOperation, op),
			logging.Int("views", len(out)),
			logging.String(logging.FieldImpact, "every cached view will be refetched"),
		)
	} else {
		c.logger.Debug("views invalidated",
			logging.String(logging.FieldOperation, op),
			logging.Int("views", len(out)),
		)
	}
	return out
}

// Stale reports whether v has no fresh cached value.
func (c *Coordinator) Stale(v View) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[v]
	return !ok || !e.cached || e.cachedGen != e.generation
}

// Get returns the cached value of v, refetching it when stale. Concurrent
// refetches of the same generation share one fetch.
func (c *Coordinator) Get(ctx context.Context, v View) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[v]
	if !ok || e.fetch == nil {
		c.mu.Unlock()
		return nil, services.Wrap(services.ErrNotFound, "invalidation", "get", fmt.Sprintf("no fetcher for view %s", v), nil)
	}
	if e.cached && e.cachedGen == e.generation {
		value := e.value
		c.mu.Unlock()
		return value, nil
	}
	gen := e.generation
	fetch := e.fetch
	c.mu.Unlock()

	key := fmt.Sprintf("%s#%d", v, gen)
	value, err, _ := c.group.Do(key, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if current, ok := c.entries[v]; ok && current.generation == gen {
			current.value = value
			current.cached = true
			current.cachedGen = gen
		}
		c.mu.Unlock()
		return value, nil
	})
	return value, err
}

// Fetch is Get with the value asserted to T.
func Fetch[T any](ctx context.Context, c *Coordinator, v View) (T, error) {
	var zero T
	value, err := c.Get(ctx, v)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, services.Wrap(services.ErrValidation, "invalidation", "fetch", fmt.Sprintf("view %s holds %T", v, value), nil)
	}
	return typed, nil
}

// Policy returns the coordinator's policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}
