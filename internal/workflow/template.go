// Package workflow loads declarative job templates for the generative
// engine and binds runtime parameters into them. A template is a node
// graph in the engine's API format plus a manifest mapping logical
// parameter names to node/field targets and naming the nodes whose
// outputs are artifacts. The manifest is validated against the graph at
// load time so a mismatch is a startup error, not a mid-job surprise.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Node is one engine graph node in API format.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// Graph is an engine job graph keyed by node id.
type Graph map[string]*Node

// SetInput overwrites one input field on a node. The node must exist.
func (g Graph) SetInput(nodeID, field string, value any) error {
	n, ok := g[nodeID]
	if !ok {
		return fmt.Errorf("node %q not in graph", nodeID)
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
	}
	n.Inputs[field] = value
	return nil
}

// clone deep-copies the graph so a binding never mutates the shared template.
func (g Graph) clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = cloneValue(v)
		}
		out[id] = &Node{ClassType: n.ClassType, Inputs: inputs, Meta: n.Meta}
	}
	return out
}

// cloneValue copies the JSON-decoded value shapes that appear in node
// inputs: scalars, link arrays, and nested objects.
func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}

// Target names the node input a logical parameter binds to.
type Target struct {
	Node  string `json:"node"`
	Field string `json:"field"`
}

// Param is one manifest entry: where a logical parameter lands in the
// graph, and whether a binding may omit it.
type Param struct {
	Required bool     `json:"required,omitempty"`
	Targets  []Target `json:"targets"`
}

// Template is an immutable job blueprint: the graph, its parameter
// manifest, and the set of artifact-producing nodes (id → artifact label).
type Template struct {
	Name    string            `json:"name"`
	Graph   Graph             `json:"graph"`
	Params  map[string]Param  `json:"params"`
	Outputs map[string]string `json:"outputs"`
}

// validate checks that every manifest target and output node exists in the
// graph.
func (t *Template) validate() error {
	if t.Name == "" {
		return fmt.Errorf("template missing name")
	}
	if len(t.Graph) == 0 {
		return fmt.Errorf("template %q has an empty graph", t.Name)
	}
	for name, p := range t.Params {
		if len(p.Targets) == 0 {
			return fmt.Errorf("template %q: param %q has no targets", t.Name, name)
		}
		for _, target := range p.Targets {
			n, ok := t.Graph[target.Node]
			if !ok {
				return fmt.Errorf("template %q: param %q targets unknown node %q", t.Name, name, target.Node)
			}
			if target.Field == "" {
				return fmt.Errorf("template %q: param %q target on node %q has no field", t.Name, name, target.Node)
			}
			_ = n
		}
	}
	if len(t.Outputs) == 0 {
		return fmt.Errorf("template %q declares no output nodes", t.Name)
	}
	for nodeID := range t.Outputs {
		if _, ok := t.Graph[nodeID]; !ok {
			return fmt.Errorf("template %q: output node %q not in graph", t.Name, nodeID)
		}
	}
	return nil
}

// Load reads every *.json template in dir, validates each, and returns
// them keyed by name.
func Load(dir string) (map[string]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	templates := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		tpl, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := templates[tpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template name %q (%s)", tpl.Name, path)
		}
		templates[tpl.Name] = tpl
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}
	return templates, nil
}

func loadFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if tpl.Name == "" {
		tpl.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if err := tpl.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &tpl, nil
}
