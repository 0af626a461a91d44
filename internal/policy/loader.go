package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a policy, owned by the policy review
// workflow. Only approved policies are enforceable.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusArchived      Status = "archived"
)

// Policy is a named rule set with its review status.
type Policy struct {
	ID     string
	Status Status
	Rules  RuleSet
	Source string
}

// Approved reports whether the policy may be used for decisions.
func (p Policy) Approved() bool {
	return p.Status == StatusApproved
}

type policyFile struct {
	ID     string         `yaml:"id"`
	Status string         `yaml:"status"`
	Rules  map[string]any `yaml:"rules"`
}

// Loader reads policy files (YAML or JSON) from disk.
type Loader struct{}

// NewLoader creates policy loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFromDir loads every policy file in dir. Files that fail to parse are
// skipped and logged. An empty directory is not an error.
func (l *Loader) LoadFromDir(dir string) (map[string]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	policies := make(map[string]Policy)

	for _, entry := range entries {
		if entry.IsDir() || !isPolicyFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		p, err := l.LoadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load policy")
			continue
		}

		if existing, dup := policies[p.ID]; dup {
			log.Warn().Str("policy", p.ID).Str("file", entry.Name()).Str("kept", existing.Source).Msg("duplicate policy id ignored")
			continue
		}
		policies[p.ID] = p
	}

	return policies, nil
}

// LoadFile parses a single policy file.
func (l *Loader) LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	id := strings.TrimSpace(f.ID)
	if id == "" {
		id = extractPolicyName(filepath.Base(path))
	}

	status := Status(strings.ToLower(strings.TrimSpace(f.Status)))
	if status == "" {
		status = StatusDraft
	}

	return Policy{
		ID:     id,
		Status: status,
		Rules:  Normalize(f.Rules),
		Source: path,
	}, nil
}

func isPolicyFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func extractPolicyName(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	return strings.ToLower(name)
}
