package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"buddymirror/internal/buddygroup"
	"buddymirror/internal/state"
)

type yamlDocument struct {
	Groups  []buddygroup.Group        `yaml:"groups"`
	Targets map[state.TargetID]string `yaml:"targets"`
}

// YAMLStore keeps mapping data in one YAML file. Writes go to a temporary
// file first and are renamed into place.
type YAMLStore struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewYAMLStore uses the file at path, creating its directory if needed.
func NewYAMLStore(path string, logger zerolog.Logger) (*YAMLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mapping directory: %w", err)
	}
	return &YAMLStore{
		path:   path,
		logger: logger.With().Str("component", "yaml_mapping_store").Logger(),
	}, nil
}

func (s *YAMLStore) read() (*yamlDocument, error) {
	doc := &yamlDocument{Targets: make(map[state.TargetID]string)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	if doc.Targets == nil {
		doc.Targets = make(map[state.TargetID]string)
	}
	return doc, nil
}

func (s *YAMLStore) write(doc *yamlDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal mapping file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace mapping file: %w", err)
	}
	return nil
}

// LoadGroups implements buddygroup.Persister.
func (s *YAMLStore) LoadGroups() ([]buddygroup.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Groups, nil
}

// SaveGroups implements buddygroup.Persister.
func (s *YAMLStore) SaveGroups(groups []buddygroup.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Groups = append([]buddygroup.Group(nil), groups...)
	sort.Slice(doc.Groups, func(i, j int) bool { return doc.Groups[i].ID < doc.Groups[j].ID })

	s.logger.Debug().Int("groups", len(groups)).Str("path", s.path).Msg("Saving buddy groups")
	return s.write(doc)
}

// LoadConsistency returns the persisted consistency of every target.
func (s *YAMLStore) LoadConsistency() (map[state.TargetID]state.Consistency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[state.TargetID]state.Consistency, len(doc.Targets))
	for id, raw := range doc.Targets {
		c, err := state.ParseConsistency(raw)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", id, err)
		}
		out[id] = c
	}
	return out, nil
}

// SaveConsistency replaces the persisted target states.
func (s *YAMLStore) SaveConsistency(states map[state.TargetID]state.Consistency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Targets = make(map[state.TargetID]string, len(states))
	for id, c := range states {
		doc.Targets[id] = c.String()
	}
	return s.write(doc)
}

// Close is a no-op; every call already syncs to disk.
func (s *YAMLStore) Close() error { return nil }
