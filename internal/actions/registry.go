// Package actions provides the built-in ActionExecutor used by the CLI runner:
// a thread-safe registry of plugins, each a named set of actions. Embedders
// with their own transport supply their own executor instead.
package actions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/pkg/schema"
)

// Action is one executable unit within a plugin.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Plugin      string `json:"plugin"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry maps plugin names to their actions and implements
// engine.ActionExecutor.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]Action)}
}

// RegisterPlugin adds a named set of actions. Returns CONFLICT if the plugin
// or one of its action names is already taken.
func (r *Registry) RegisterPlugin(plugin string, acts []Action) error {
	if plugin == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.plugins[plugin]
	if !ok {
		byName = make(map[string]Action, len(acts))
		r.plugins[plugin] = byName
	}
	for _, a := range acts {
		if a == nil || a.Name() == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q has an unnamed action", plugin)
		}
		if _, exists := byName[a.Name()]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"action %s.%s already registered", plugin, a.Name())
		}
		byName[a.Name()] = a
	}
	return nil
}

// Execute dispatches to the registered action. An unknown plugin or action is
// a collaborator-level error; an action that runs and fails reports failure in
// the result so the step fails without being mistaken for a transport problem.
func (r *Registry) Execute(ctx context.Context, plugin, action string, params map[string]any) (*engine.ActionResult, error) {
	r.mu.RLock()
	byName, ok := r.plugins[plugin]
	var act Action
	if ok {
		act = byName[action]
	}
	r.mu.RUnlock()

	if act == nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
			"action %s.%s is not registered", plugin, action)
	}

	data, err := act.Execute(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &engine.ActionResult{Success: false, Error: err.Error()}, nil
	}
	return &engine.ActionResult{Success: true, Data: data}, nil
}

// List returns info for all registered actions, sorted by plugin then name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []ActionInfo
	for plugin, byName := range r.plugins {
		for _, a := range byName {
			infos = append(infos, ActionInfo{
				Plugin:      plugin,
				Name:        a.Name(),
				Description: a.Description(),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Plugin != infos[j].Plugin {
			return infos[i].Plugin < infos[j].Plugin
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks whether plugin.action is registered.
func (r *Registry) Has(plugin, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[plugin][action]
	return ok
}

// Param helpers shared by the built-in action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}
