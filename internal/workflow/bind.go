package workflow

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
)

// SeedParam is the logical parameter carrying the sampler seed. A zero
// value means "pick a random seed at bind time"; the effective seed is
// reported on the binding so runs stay reproducible.
const SeedParam = "seed"

// BindingError reports a template/parameter mismatch detected before
// submission, so it never surfaces as an engine rejection.
type BindingError struct {
	Template string
	Param    string
	Reason   string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s: param %q: %s", e.Template, e.Param, e.Reason)
}

// Params holds the runtime values injected into a template.
type Params map[string]any

// Binding is the concrete per-job graph produced from a template. It is
// owned by a single job execution and discarded after submission.
type Binding struct {
	Template string
	Graph    Graph
	Seed     int64
}

// MarshalGraph encodes the bound graph in the engine's submission format.
func (b *Binding) MarshalGraph() (json.RawMessage, error) {
	raw, err := json.Marshal(b.Graph)
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return raw, nil
}

// Bind deep-copies the template graph and substitutes every supplied
// parameter into its manifest targets. Values are injected verbatim; the
// only transformation is replacing a zero seed with a random one. A
// required parameter that is missing, or a supplied parameter with no
// manifest entry, fails the binding.
func (t *Template) Bind(params Params) (*Binding, error) {
	for name, p := range t.Params {
		if !p.Required {
			continue
		}
		if _, ok := params[name]; !ok {
			return nil, &BindingError{Template: t.Name, Param: name, Reason: "required but not supplied"}
		}
	}

	b := &Binding{Template: t.Name, Graph: t.Graph.clone()}

	// Deterministic substitution order keeps bind failures stable.
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := t.Params[name]
		if !ok {
			return nil, &BindingError{Template: t.Name, Param: name, Reason: "no target configured in template"}
		}

		value := params[name]
		if name == SeedParam {
			seed := toInt64(value)
			if seed == 0 {
				seed = rand.Int63n(9999999999) + 1
			}
			b.Seed = seed
			value = seed
		}

		for _, target := range p.Targets {
			if err := b.Graph.SetInput(target.Node, target.Field, value); err != nil {
				return nil, &BindingError{Template: t.Name, Param: name, Reason: err.Error()}
			}
		}
	}

	return b, nil
}

// toInt64 normalizes the numeric shapes a seed arrives in (JSON decodes
// numbers as float64).
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
