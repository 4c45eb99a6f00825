package plugin

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MessageTypes lists the MSH-9 values a pipeline accepts, either bare message
// types ("ADT") or type and trigger ("ADT^A01"). An empty list accepts
// everything.
//
// Accepted formats:
//   - single string: message_types: ADT
//   - string array: message_types: [ADT^A01, ORU]
type MessageTypes []string

func (m *MessageTypes) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*m = nil
		return nil
	}

	switch n.Kind {
	case yaml.ScalarNode:
		*m = MessageTypes{strings.TrimSpace(n.Value)}
		return nil
	case yaml.SequenceNode:
		out := make(MessageTypes, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("message_types entries must be strings")
			}
			out = append(out, strings.TrimSpace(item.Value))
		}
		*m = out
		return nil
	default:
		return fmt.Errorf("message_types must be a string or a sequence")
	}
}

// Manifest defines the structure of a pipeline's manifest.yaml file.
type Manifest struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Protocol     int           `yaml:"protocol"`
	Entrypoint   string        `yaml:"entrypoint"`
	Description  string        `yaml:"description,omitempty"`
	MessageTypes MessageTypes  `yaml:"message_types,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// Plugin represents a discovered and validated pipeline executable.
type Plugin struct {
	Name         string        // Plugin name from manifest
	Path         string        // Absolute path to plugin directory
	Entrypoint   string        // Absolute path to entrypoint executable
	Protocol     int           // Protocol version
	Version      string        // Plugin version
	Description  string        // Human-readable description
	MessageTypes MessageTypes  // Accepted MSH-9 values
	Timeout      time.Duration // Execution limit declared by the plugin, 0 if none
}

// Accepts reports whether the plugin handles messages of the given type and
// trigger event.
func (p *Plugin) Accepts(messageType, trigger string) bool {
	if len(p.MessageTypes) == 0 {
		return true
	}
	for _, mt := range p.MessageTypes {
		typ, trg, hasTrigger := strings.Cut(mt, "^")
		if !strings.EqualFold(typ, messageType) {
			continue
		}
		if !hasTrigger || strings.EqualFold(trg, trigger) {
			return true
		}
	}
	return false
}
