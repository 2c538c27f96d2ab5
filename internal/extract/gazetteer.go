package extract

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed gazetteer.yaml
var defaultGazetteer []byte

// Place is one gazetteer entry. Aliases resolve to Name's normalized form.
type Place struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

type gazetteerFile struct {
	Places []Place `yaml:"places"`
}

// Gazetteer maps normalized place names and aliases to canonical keys.
type Gazetteer struct {
	entries   map[string]string
	maxTokens int
}

// LoadGazetteer reads a YAML gazetteer from path, or the embedded default
// when path is empty.
func LoadGazetteer(path string, minLength int) (*Gazetteer, error) {
	data := defaultGazetteer
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read gazetteer: %w", err)
		}
		data = b
	}
	return ParseGazetteer(data, minLength)
}

// ParseGazetteer builds a gazetteer from YAML.
func ParseGazetteer(data []byte, minLength int) (*Gazetteer, error) {
	var f gazetteerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}

	g := &Gazetteer{entries: make(map[string]string)}
	for _, p := range f.Places {
		canonical := Normalize(p.Name, minLength)
		if canonical == "" {
			continue
		}
		g.add(canonical, canonical)
		for _, a := range p.Aliases {
			if alias := Normalize(a, minLength); alias != "" {
				g.add(alias, canonical)
			}
		}
	}
	return g, nil
}

func (g *Gazetteer) add(key, canonical string) {
	g.entries[key] = canonical
	if n := len(strings.Fields(key)); n > g.maxTokens {
		g.maxTokens = n
	}
}

// Lookup returns the canonical key for a normalized name.
func (g *Gazetteer) Lookup(normalized string) (string, bool) {
	if g == nil {
		return "", false
	}
	c, ok := g.entries[normalized]
	return c, ok
}

// Len reports the number of names and aliases.
func (g *Gazetteer) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}
