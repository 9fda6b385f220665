package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetValue sets a dotted key (e.g. "watchdog.fetch_timeout") in the config
// file to a scalar value. Comments and unrelated sections are preserved by
// editing the yaml.Node tree rather than re-marshaling a struct.
func SetValue(configPath, key, value string) error {
	segments := strings.Split(key, ".")
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	node := doc.Content[0]
	for i, seg := range segments {
		last := i == len(segments)-1
		child := lookupKey(node, seg)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: seg}, child)
		}
		if last {
			if child.Kind != yaml.ScalarNode {
				return fmt.Errorf("%s is a section, not a value", key)
			}
			child.Value = value
			child.Tag = ""
			child.Style = 0
			break
		}
		if child.Kind != yaml.MappingNode {
			// An empty section ("server:") parses as a null scalar.
			if child.Kind == yaml.ScalarNode && (child.Value == "" || child.Tag == "!!null") {
				child.Kind = yaml.MappingNode
				child.Tag = ""
				child.Value = ""
			} else {
				return fmt.Errorf("%s is not a section", strings.Join(segments[:i+1], "."))
			}
		}
		node = child
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	if err := os.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func lookupKey(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
