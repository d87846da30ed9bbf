package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlSetupFile is the top-level YAML structure for setup files.
type yamlSetupFile struct {
	Setup yamlSetup `yaml:"setup"`
}

// yamlSetup is the YAML representation of a game setup.
type yamlSetup struct {
	GameType     string            `yaml:"game_type"`
	WinScript    string            `yaml:"win_script"`
	Compositions []yamlComposition `yaml:"compositions"`
}

// yamlComposition is the YAML representation of one player-count composition.
type yamlComposition struct {
	Players int             `yaml:"players"`
	Roles   []yamlRoleCount `yaml:"roles"`
}

// yamlRoleCount is the YAML representation of a (faction, role, count) entry.
type yamlRoleCount struct {
	Faction string `yaml:"faction"`
	Role    string `yaml:"role"`
	Count   int    `yaml:"count"`
}

// LoadSetupFromFile reads and validates a single setup YAML file.
//
// Precondition: path must point to a valid YAML setup file.
// Postcondition: Returns a validated Setup or a non-nil error.
func LoadSetupFromFile(path string) (*Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading setup file %s: %w", path, err)
	}
	return LoadSetupFromBytes(data)
}

// LoadSetupFromBytes parses and validates a setup from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the setup schema.
// Postcondition: Returns a validated Setup or a non-nil error.
func LoadSetupFromBytes(data []byte) (*Setup, error) {
	var file yamlSetupFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing setup YAML: %w", err)
	}

	ys := file.Setup
	if ys.GameType == "" {
		return nil, fmt.Errorf("setup has empty game_type")
	}
	if len(ys.Compositions) == 0 {
		return nil, fmt.Errorf("setup %q has no compositions", ys.GameType)
	}

	s := NewSetup(ys.GameType)
	s.WinScript = ys.WinScript

	for _, yc := range ys.Compositions {
		comp, err := convertYAMLComposition(ys.GameType, yc)
		if err != nil {
			return nil, err
		}
		if err := s.AddComposition(comp); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// LoadSetupsFromDir loads all YAML files in a directory into a Registry.
//
// Precondition: dir must be a valid directory path.
// Postcondition: Returns a registry of all validated setups or the first
// error encountered.
func LoadSetupsFromDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading setups directory %s: %w", dir, err)
	}

	reg := NewRegistry()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		s, err := LoadSetupFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading setup from %s: %w", name, err)
		}
		if err := reg.Register(s); err != nil {
			return nil, fmt.Errorf("registering setup from %s: %w", name, err)
		}
		loaded++
	}

	if loaded == 0 {
		return nil, fmt.Errorf("no setup files found in %s", dir)
	}

	return reg, nil
}

// convertYAMLComposition expands a role-count list into a Composition and
// validates the template invariants: counts sum to the player count, every
// faction and role is recognised, and both factions are present so the win
// predicates are decidable.
func convertYAMLComposition(gameType string, yc yamlComposition) (Composition, error) {
	if yc.Players < 1 {
		return Composition{}, fmt.Errorf("setup %q: composition players must be >= 1, got %d", gameType, yc.Players)
	}

	var characters []Character
	for _, rc := range yc.Roles {
		faction := Faction(rc.Faction)
		if !faction.Valid() {
			return Composition{}, fmt.Errorf("setup %q (%d players): unknown faction %q", gameType, yc.Players, rc.Faction)
		}
		role := Role(rc.Role)
		if !role.Valid() {
			return Composition{}, fmt.Errorf("setup %q (%d players): unknown role %q", gameType, yc.Players, rc.Role)
		}
		if rc.Count < 1 {
			return Composition{}, fmt.Errorf("setup %q (%d players): role %q count must be >= 1, got %d", gameType, yc.Players, rc.Role, rc.Count)
		}
		for i := 0; i < rc.Count; i++ {
			characters = append(characters, Character{Faction: faction, Role: role})
		}
	}

	if len(characters) != yc.Players {
		return Composition{}, fmt.Errorf("setup %q: role counts sum to %d, want %d players", gameType, len(characters), yc.Players)
	}

	comp := Composition{Players: yc.Players, Characters: characters}
	if comp.Wolves() == 0 {
		return Composition{}, fmt.Errorf("setup %q (%d players): composition has no wolves", gameType, yc.Players)
	}
	if comp.Wolves() == yc.Players {
		return Composition{}, fmt.Errorf("setup %q (%d players): composition has no village", gameType, yc.Players)
	}

	return comp, nil
}
