// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composefile

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node-level helpers. Editing the yaml.Node tree instead of unmarshalling
// into structs keeps every key bootmgr does not manage, in its original
// order, with its comments.

func parseDocument(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompose, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level is not a mapping", ErrInvalidCompose)
	}
	return &doc, nil
}

func encodeDocument(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	return buf.Bytes(), nil
}

// mappingGet returns the value node for key, or nil.
func mappingGet(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// mappingEnsure returns the value node for key, appending an empty node
// of the given kind when absent or null.
func mappingEnsure(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	if v := mappingGet(m, key); v != nil {
		if v.Kind == yaml.ScalarNode && v.Tag == "!!null" && kind != yaml.ScalarNode {
			*v = yaml.Node{Kind: kind, Tag: tagFor(kind)}
		}
		return v
	}
	v := &yaml.Node{Kind: kind, Tag: tagFor(kind)}
	m.Content = append(m.Content, strScalar(key), v)
	return v
}

func tagFor(kind yaml.Kind) string {
	switch kind {
	case yaml.MappingNode:
		return "!!map"
	case yaml.SequenceNode:
		return "!!seq"
	default:
		return "!!str"
	}
}

func strScalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// service returns services.<name>, or nil.
func service(doc *yaml.Node, name string) *yaml.Node {
	svc := mappingGet(mappingGet(doc.Content[0], "services"), name)
	if svc == nil || svc.Kind != yaml.MappingNode {
		return nil
	}
	return svc
}

// envGet reads an environment entry in either mapping or list form.
func envGet(svc *yaml.Node, key string) (string, bool) {
	env := mappingGet(svc, "environment")
	if env == nil {
		return "", false
	}
	switch env.Kind {
	case yaml.MappingNode:
		if v := mappingGet(env, key); v != nil {
			if v.Tag == "!!null" {
				return "", true
			}
			return v.Value, true
		}
	case yaml.SequenceNode:
		for _, item := range env.Content {
			k, v, _ := strings.Cut(item.Value, "=")
			if k == key {
				return v, true
			}
		}
	}
	return "", false
}

// envSet writes an environment entry, keeping the existing form.
func envSet(svc *yaml.Node, key, value string) {
	env := mappingEnsure(svc, "environment", yaml.MappingNode)
	switch env.Kind {
	case yaml.SequenceNode:
		entry := key + "=" + value
		for _, item := range env.Content {
			if k, _, _ := strings.Cut(item.Value, "="); k == key {
				item.Value = entry
				item.Tag = "!!str"
				return
			}
		}
		env.Content = append(env.Content, strScalar(entry))
	default:
		if env.Kind != yaml.MappingNode {
			*env = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		}
		if v := mappingGet(env, key); v != nil {
			v.Kind = yaml.ScalarNode
			v.Tag = "!!str"
			v.Value = value
			v.Content = nil
			return
		}
		env.Content = append(env.Content, strScalar(key), strScalar(value))
	}
}

// portsGet returns the ports of a service as short-syntax strings, one
// per list entry. Long-syntax entries are rendered as
// "[host_ip:]<published>:<target>[/protocol]".
func portsGet(svc *yaml.Node) []string {
	ports := mappingGet(svc, "ports")
	if ports == nil || ports.Kind != yaml.SequenceNode {
		return nil
	}
	out := make([]string, 0, len(ports.Content))
	for _, item := range ports.Content {
		switch item.Kind {
		case yaml.MappingNode:
			m := portMapping{
				host:      scalarValue(mappingGet(item, "published")),
				container: scalarValue(mappingGet(item, "target")),
				hostIP:    scalarValue(mappingGet(item, "host_ip")),
				proto:     scalarValue(mappingGet(item, "protocol")),
			}
			if strings.Contains(m.hostIP, ":") {
				m.hostIP = "[" + m.hostIP + "]"
			}
			out = append(out, m.String())
		default:
			out = append(out, item.Value)
		}
	}
	return out
}

func scalarValue(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	return n.Value
}

// portsSet brings the ports list in line with mappings, touching only the
// entries that differ. A changed long-syntax entry gets a new published
// port; a changed short-syntax entry is replaced by a double-quoted
// scalar so that YAML 1.1 parsers never read "30:30" as a base-60
// integer.
func portsSet(svc *yaml.Node, mappings []string) {
	current := portsGet(svc)
	if slices.Equal(current, mappings) {
		return
	}
	ports := mappingEnsure(svc, "ports", yaml.SequenceNode)
	if ports.Kind != yaml.SequenceNode {
		*ports = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		current = nil
	}

	for i, m := range mappings {
		if i >= len(ports.Content) {
			ports.Content = append(ports.Content, quotedScalar(m))
			continue
		}
		if current[i] == m {
			continue
		}
		item := ports.Content[i]
		if item.Kind == yaml.MappingNode {
			published := mappingEnsure(item, "published", yaml.ScalarNode)
			published.Tag = "!!str"
			published.Style = yaml.DoubleQuotedStyle
			published.Value = HostPort(m)
			continue
		}
		n := quotedScalar(m)
		n.HeadComment, n.LineComment, n.FootComment = item.HeadComment, item.LineComment, item.FootComment
		ports.Content[i] = n
	}
	if len(mappings) < len(ports.Content) {
		ports.Content = ports.Content[:len(mappings)]
	}
}

func quotedScalar(value string) *yaml.Node {
	n := strScalar(value)
	n.Style = yaml.DoubleQuotedStyle
	return n
}
