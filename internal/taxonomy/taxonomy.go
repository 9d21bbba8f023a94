// Package taxonomy loads the static category tree and enumerates its leaves and search terms.
package taxonomy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned when a taxonomy file defines no leaves.
var ErrEmpty = errors.New("taxonomy has no leaves")

// Node is one entry of the YAML tree.
type Node struct {
	Key      string   `yaml:"key"`
	Name     string   `yaml:"name"`
	Terms    []string `yaml:"terms"`
	Aliases  []string `yaml:"aliases"`
	Target   int      `yaml:"target"`
	Children []Node   `yaml:"children"`
}

// Leaf is a terminal category together with its ancestry.
type Leaf struct {
	Key     string
	Name    string
	Path    []string
	Terms   []string
	Aliases []string
	Target  int
}

// Taxonomy is the parsed tree. It is read-only after Load.
type Taxonomy struct {
	Nodes  []Node `yaml:"nodes"`
	leaves []Leaf
}

// Load reads and validates the taxonomy at path.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML taxonomy document.
func Parse(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	seen := make(map[string]struct{})
	for _, n := range t.Nodes {
		if err := t.walk(n, nil, seen); err != nil {
			return nil, err
		}
	}
	if len(t.leaves) == 0 {
		return nil, ErrEmpty
	}
	return &t, nil
}

func (t *Taxonomy) walk(n Node, path []string, seen map[string]struct{}) error {
	key := strings.TrimSpace(n.Key)
	if key == "" {
		return fmt.Errorf("taxonomy node %q under %v: missing key", n.Name, path)
	}
	if strings.ContainsAny(key, "|:") {
		return fmt.Errorf("taxonomy key %q: must not contain '|' or ':'", key)
	}
	if _, dup := seen[key]; dup {
		return fmt.Errorf("taxonomy key %q: duplicate", key)
	}
	seen[key] = struct{}{}

	if len(n.Children) == 0 {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			name = key
		}
		t.leaves = append(t.leaves, Leaf{
			Key:     key,
			Name:    name,
			Path:    append([]string(nil), path...),
			Terms:   n.Terms,
			Aliases: n.Aliases,
			Target:  n.Target,
		})
		return nil
	}
	childPath := append(append([]string(nil), path...), key)
	for _, c := range n.Children {
		if err := t.walk(c, childPath, seen); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns the leaf categories in depth-first order.
func (t *Taxonomy) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Filter returns the leaves selected by keys. A key selects the leaf with that key or
// every leaf beneath the branch with that key. No keys selects everything.
func (t *Taxonomy) Filter(keys []string) []Leaf {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			want[k] = struct{}{}
		}
	}
	if len(want) == 0 {
		return t.Leaves()
	}
	var out []Leaf
	for _, l := range t.leaves {
		if selected(l, want) {
			out = append(out, l)
		}
	}
	return out
}

func selected(l Leaf, want map[string]struct{}) bool {
	if _, ok := want[l.Key]; ok {
		return true
	}
	for _, p := range l.Path {
		if _, ok := want[p]; ok {
			return true
		}
	}
	return false
}

// Terms returns the trimmed, de-duplicated search terms of leaf followed by its aliases.
// A leaf with neither falls back to its name.
func Terms(leaf Leaf) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range append(append([]string{}, leaf.Terms...), leaf.Aliases...) {
		term := strings.Join(strings.Fields(raw), " ")
		if term == "" {
			continue
		}
		k := strings.ToLower(term)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, term)
	}
	if len(out) == 0 && strings.TrimSpace(leaf.Name) != "" {
		out = append(out, strings.TrimSpace(leaf.Name))
	}
	return out
}
