package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"retrykit/pkg/retry"
)

// EnvSource looks keys up in the process environment. "A:B" is read from
// the variable A__B, then from its upper-case form.
type EnvSource struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Lookup implements retry.Source.
func (s EnvSource) Lookup(key string) (string, bool) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	name := strings.ReplaceAll(key, ":", "__")
	if v, ok := lookup(name); ok {
		return v, true
	}
	return lookup(strings.ToUpper(name))
}

// YAMLSource holds scalar values of a YAML document flattened to colon
// separated, lower-cased keys.
type YAMLSource struct {
	values map[string]string
}

// ParseYAML flattens a YAML mapping document.
func ParseYAML(data []byte) (*YAMLSource, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	s := &YAMLSource{values: make(map[string]string)}
	if len(doc.Content) == 0 {
		return s, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("parse yaml: top level must be a mapping")
	}
	s.flatten("", root)
	return s, nil
}

// LoadYAML reads and flattens a YAML file.
func LoadYAML(path string) (*YAMLSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseYAML(data)
}

func (s *YAMLSource) flatten(prefix string, n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := strings.ToLower(n.Content[i].Value)
			if prefix != "" {
				key = prefix + ":" + key
			}
			s.flatten(key, n.Content[i+1])
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			s.flatten(fmt.Sprintf("%s:%d", prefix, i), c)
		}
	case yaml.AliasNode:
		s.flatten(prefix, n.Alias)
	case yaml.ScalarNode:
		if n.ShortTag() != "!!null" {
			s.values[prefix] = n.Value
		}
	}
}

// Lookup implements retry.Source.
func (s *YAMLSource) Lookup(key string) (string, bool) {
	v, ok := s.values[strings.ToLower(key)]
	return v, ok
}

// Chain returns the value from the first source that has the key.
type Chain []retry.Source

// Lookup implements retry.Source.
func (c Chain) Lookup(key string) (string, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// RetrySource returns the configuration sources for retry options:
// environment first, then the YAML file named by RetryFile.
func (c Config) RetrySource() (retry.Source, error) {
	chain := Chain{EnvSource{}}
	if c.RetryFile != "" {
		y, err := LoadYAML(c.RetryFile)
		if err != nil {
			return chain, err
		}
		chain = append(chain, y)
	}
	return chain, nil
}
