// Package prompt loads the system instruction seeded into new sessions.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultProfile []byte

// Profile is a named system instruction.
type Profile struct {
	Name        string `yaml:"name"`
	Version     int    `yaml:"version"`
	Instruction string `yaml:"instruction"`
}

// Default returns the embedded pharmaceutical-assistant profile.
func Default() (*Profile, error) {
	return parse(defaultProfile, "embedded profile")
}

// Load reads a profile from path, or the embedded default when path is
// empty.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt profile: %w", err)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	p.Instruction = strings.TrimSpace(p.Instruction)
	if p.Instruction == "" {
		return nil, fmt.Errorf("%s: instruction is empty", source)
	}
	return &p, nil
}
