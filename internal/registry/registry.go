// Package registry orders, initializes, and runs printbridge modules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ordermaster/printbridge/pkg/plugin"
	"go.uber.org/zap"
)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	order    []string // registration order until Validate, then dependency order
	disabled map[string]string
	started  []string
	logger   *zap.Logger
}

// New creates a new plugin registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		disabled: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a plugin to the registry.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return errors.New("plugin name must not be empty")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.order = append(r.order, info.Name)
	r.logger.Info("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
	)
	return nil
}

// Disable marks a plugin as disabled before Validate runs, e.g. from
// configuration.
func (r *Registry) Disable(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		r.disabled[name] = reason
	}
}

// Validate checks API versions and dependencies, disables optional plugins
// that cannot run, and sorts the remainder so dependencies start first.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		info := r.plugins[name].Info()
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			reason := fmt.Sprintf("API version %d outside supported range [%d, %d]",
				info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
			if info.Required {
				return fmt.Errorf("plugin %q: %s", name, reason)
			}
			r.disableLocked(name, reason)
		}
	}

	for _, name := range r.order {
		info := r.plugins[name].Info()
		for _, dep := range info.Dependencies {
			if _, ok := r.plugins[dep]; ok {
				continue
			}
			if info.Required {
				return fmt.Errorf("plugin %q requires missing plugin %q", name, dep)
			}
			r.disableLocked(name, fmt.Sprintf("missing dependency %q", dep))
		}
	}

	sorted, err := r.topoSortLocked()
	if err != nil {
		return err
	}
	r.order = sorted

	// Dependencies precede dependents, so one pass propagates disables.
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		for _, dep := range r.plugins[name].Info().Dependencies {
			if _, off := r.disabled[dep]; !off {
				continue
			}
			if r.plugins[name].Info().Required {
				return fmt.Errorf("plugin %q requires disabled plugin %q", name, dep)
			}
			r.disableLocked(name, fmt.Sprintf("dependency %q disabled", dep))
			break
		}
	}
	return nil
}

func (r *Registry) disableLocked(name, reason string) {
	if _, ok := r.disabled[name]; ok {
		return
	}
	r.disabled[name] = reason
	r.logger.Warn("plugin disabled", zap.String("name", name), zap.String("reason", reason))
}

// topoSortLocked orders plugins with Kahn's algorithm. Ties keep
// registration order so startup is deterministic.
func (r *Registry) topoSortLocked() ([]string, error) {
	position := make(map[string]int, len(r.order))
	for i, name := range r.order {
		position[name] = i
	}

	indegree := make(map[string]int, len(r.order))
	dependents := make(map[string][]string)
	for _, name := range r.order {
		for _, dep := range r.plugins[name].Info().Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range r.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	sorted := make([]string, 0, len(r.order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(sorted) != len(r.order) {
		return nil, errors.New("plugin dependency cycle detected")
	}
	return sorted, nil
}

// IsDisabled reports whether a plugin was disabled by validation, init
// failure, or configuration.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.disabled[name]
	return ok
}

// InitAll initializes every enabled plugin in dependency order. A required
// plugin's failure aborts; an optional plugin is disabled instead.
func (r *Registry) InitAll(ctx context.Context, deps func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			r.logger.Info("plugin disabled, skipping", zap.String("name", name))
			continue
		}
		p := r.plugins[name]

		r.logger.Info("initializing plugin", zap.String("name", name))
		if err := p.Init(ctx, deps(name)); err != nil {
			if p.Info().Required {
				return fmt.Errorf("initialize plugin %q: %w", name, err)
			}
			r.disableLocked(name, "init failed: "+err.Error())
			continue
		}
		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				if p.Info().Required {
					return fmt.Errorf("validate plugin %q config: %w", name, err)
				}
				r.disableLocked(name, "invalid config: "+err.Error())
			}
		}
	}
	return nil
}

// Subscribe wires EventSubscriber plugins to the bus.
func (r *Registry) Subscribe(bus plugin.EventBus) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		s, ok := r.plugins[name].(plugin.EventSubscriber)
		if !ok {
			continue
		}
		for _, sub := range s.Subscriptions() {
			bus.Subscribe(sub.Topic, sub.Handler)
			r.logger.Debug("plugin subscribed",
				zap.String("name", name),
				zap.String("topic", sub.Topic),
			)
		}
	}
}

// StartAll starts all enabled plugins in dependency order. Like InitAll, an
// optional plugin that fails to start is disabled rather than fatal.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := p.Start(ctx); err != nil {
			if p.Info().Required {
				return fmt.Errorf("start plugin %q: %w", name, err)
			}
			r.logger.Warn("optional plugin failed to start", zap.String("name", name), zap.Error(err))
			r.disableLocked(name, "start failed: "+err.Error())
			continue
		}
		r.started = append(r.started, name)
	}
	return nil
}

// StopAll stops started plugins in reverse order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
	r.started = nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered plugins in the current order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}
	return result
}

// AllRoutes returns the routes of every enabled HTTPProvider, keyed by
// plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		hp, ok := r.plugins[name].(plugin.HTTPProvider)
		if !ok {
			continue
		}
		if pr := hp.Routes(); len(pr) > 0 {
			routes[name] = pr
		}
	}
	return routes
}

// Health collects the status of every enabled HealthChecker.
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]plugin.HealthStatus)
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		if hc, ok := r.plugins[name].(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
		}
	}
	return out
}
