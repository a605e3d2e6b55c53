package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type definitionsDocument struct {
	Definitions []*ProcessDefinition `yaml:"definitions"`
}

// ParseDefinitions decodes YAML or JSON. The document is either a single
// definition or an object with a definitions list.
func ParseDefinitions(data []byte) ([]*ProcessDefinition, error) {
	var doc definitionsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}

	defs := doc.Definitions
	if len(defs) == 0 {
		var single ProcessDefinition
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
		if single.Key == "" && single.ID == "" {
			return nil, fmt.Errorf("parse definitions: no definitions found")
		}
		defs = []*ProcessDefinition{&single}
	}

	for _, def := range defs {
		Normalize(def)
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// LoadDefinitionsFile reads and parses a definitions file.
func LoadDefinitionsFile(path string) ([]*ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// Normalize fills defaults: version 1 and an id of key:version. Incoming
// lists are derived from outgoing edges when absent.
func Normalize(def *ProcessDefinition) {
	if def.Version <= 0 {
		def.Version = 1
	}
	if def.ID == "" && def.Key != "" {
		def.ID = fmt.Sprintf("%s:%d", def.Key, def.Version)
	}

	derive := true
	for _, a := range def.Activities {
		if len(a.Incoming) > 0 {
			derive = false
			break
		}
	}
	if !derive {
		return
	}
	index := make(map[string]int, len(def.Activities))
	for i, a := range def.Activities {
		index[a.ID] = i
	}
	for _, a := range def.Activities {
		for _, target := range a.Outgoing {
			if i, ok := index[target]; ok {
				def.Activities[i].Incoming = append(def.Activities[i].Incoming, a.ID)
			}
		}
	}
}
