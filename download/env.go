package download

import (
	"sort"

	"github.com/caravel-data/caravel/interp"
)

// Environment is the shared key-value context threaded through all pipeline
// stages. Stages only ever append to it; keys set by one stage are visible
// verbatim to every later stage's parameter interpolation. It lives for one
// pipeline run and is never persisted.
type Environment map[string]string

// NewEnvironment seeds an environment. overrides win over seed on conflict
// (CLI-supplied values beat specification-supplied ones).
func NewEnvironment(seed, overrides map[string]string) Environment {
	env := make(Environment, len(seed)+len(overrides))
	for k, v := range seed {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

// Merge unions other into the environment.
func (e Environment) Merge(other map[string]string) {
	for k, v := range other {
		e[k] = v
	}
}

// Render substitutes {key} placeholders in template against the environment,
// including <key>_urlencoded variants. A missing key is an error.
func (e Environment) Render(template string) (string, error) {
	if !interp.HasPlaceholders(template) {
		return template, nil
	}
	return interp.Render(template, interp.URLEncoded(e))
}

// RenderWith renders against the environment extended with extra values
// (row fields, per-output variables). extra wins on conflict.
func (e Environment) RenderWith(template string, extra map[string]string) (string, error) {
	if !interp.HasPlaceholders(template) {
		return template, nil
	}
	vars := make(map[string]string, len(e)+len(extra))
	for k, v := range e {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return interp.Render(template, interp.URLEncoded(vars))
}

// Keys returns the environment's keys, sorted, for logging.
func (e Environment) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
