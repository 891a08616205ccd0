package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the layout written by 'ft init'. Only commonly edited keys are
// included; everything else keeps its default.
type File struct {
	Database struct {
		Backend string `yaml:"backend"`
		Name    string `yaml:"name"`
		Server  struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
			User string `yaml:"user"`
		} `yaml:"server"`
	} `yaml:"database"`
	Reassign struct {
		PageSize int `yaml:"page-size"`
	} `yaml:"reassign"`
	Triage struct {
		Workers int `yaml:"workers"`
	} `yaml:"triage"`
	Jobs struct {
		TokenStore string `yaml:"token-store"`
	} `yaml:"jobs"`
}

// DefaultFile returns the initial config for a new workspace.
func DefaultFile(backend string) *File {
	f := &File{}
	f.Database.Backend = backend
	f.Database.Name = "fuzztriage"
	f.Database.Server.Host = "127.0.0.1"
	f.Database.Server.Port = 3307
	f.Database.Server.User = "root"
	f.Reassign.PageSize = 1000
	f.Triage.Workers = 4
	f.Jobs.TokenStore = TokenStoreMemory
	return f
}

// WriteFile writes f to path unless a file already exists there.
func WriteFile(path string, f *File) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	var buf bytes.Buffer
	buf.WriteString("# ft configuration. Environment variables FT_<KEY> override these values.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetYamlConfig sets a dotted key (e.g. "triage.workers") in the config
// file at path, creating intermediate mappings as needed. Comments and the
// order of existing keys are preserved.
func SetYamlConfig(path, key, value string) error {
	content, err := os.ReadFile(path) // #nosec G304 - path is the workspace config
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var root yaml.Node
	if len(bytes.TrimSpace(content)) > 0 {
		if err := yaml.Unmarshal(content, &root); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	if err := setNode(root.Content[0], strings.Split(key, "."), scalarNode(value)); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func setNode(mapping *yaml.Node, path []string, value *yaml.Node) error {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value != path[0] {
			continue
		}
		if len(path) == 1 {
			mapping.Content[i+1] = value
			return nil
		}
		child := mapping.Content[i+1]
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("%s is not a mapping", path[0])
		}
		return setNode(child, path[1:], value)
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: path[0]}
	if len(path) == 1 {
		mapping.Content = append(mapping.Content, keyNode, value)
		return nil
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	mapping.Content = append(mapping.Content, keyNode, child)
	return setNode(child, path[1:], value)
}

// scalarNode lets yaml infer the tag so booleans, numbers and durations
// round-trip as the user typed them.
func scalarNode(value string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	var decoded interface{}
	if err := yaml.Unmarshal([]byte(value), &decoded); err != nil {
		n.Style = yaml.DoubleQuotedStyle
		return n
	}
	switch p := decoded.(type) {
	case map[string]interface{}, []interface{}, nil:
		n.Style = yaml.DoubleQuotedStyle
	case string:
		if strings.TrimSpace(value) != value || p != value {
			n.Style = yaml.DoubleQuotedStyle
		}
	}
	return n
}
