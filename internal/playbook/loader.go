package playbook

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

type playbookFile struct {
	Playbooks []playbookEntry `yaml:"playbooks"`
}

type playbookEntry struct {
	ID              string         `yaml:"id"`
	WorkspaceID     string         `yaml:"workspace_id"`
	Name            string         `yaml:"name"`
	Enabled         *bool          `yaml:"enabled"`
	TriggerDecision string         `yaml:"trigger_decision"`
	MinRiskScore    int            `yaml:"min_risk_score"`
	MatchSignals    []string       `yaml:"match_signals"`
	ActionType      string         `yaml:"action_type"`
	ActionConfig    map[string]any `yaml:"action_config"`
}

func (e playbookEntry) playbook() Playbook {
	p := Playbook{
		ID:              e.ID,
		WorkspaceID:     e.WorkspaceID,
		Name:            e.Name,
		Enabled:         e.Enabled == nil || *e.Enabled,
		TriggerDecision: policy.Decision(strings.ToLower(e.TriggerDecision)),
		MinRiskScore:    e.MinRiskScore,
		ActionType:      ActionType(e.ActionType),
		ActionConfig:    e.ActionConfig,
	}
	for _, s := range e.MatchSignals {
		p.MatchSignals = append(p.MatchSignals, policy.Signal(s))
	}
	return p
}

// LoadFile parses a YAML playbook file. Entries with an unknown action type
// are skipped with a warning and enabled defaults to true. A missing id is
// derived from the entry's position and identity, so loading the same file
// again yields the same ids.
func LoadFile(path string) ([]Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbooks: %w", err)
	}

	var file playbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse playbooks: %w", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	playbooks := make([]Playbook, 0, len(file.Playbooks))
	for i, entry := range file.Playbooks {
		p := entry.playbook()
		if !p.ActionType.Valid() {
			log.Warn().Str("file", path).Str("name", p.Name).Str("action_type", string(p.ActionType)).Msg("skipping playbook with unknown action type")
			continue
		}
		if p.ID == "" {
			p.ID = derivedID(i, p)
		}
		// file order becomes creation order
		p.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		playbooks = append(playbooks, p)
	}

	return playbooks, nil
}

// derivedID names an id-less seed entry after its file index, workspace,
// name and action type.
func derivedID(index int, p Playbook) string {
	key := fmt.Sprintf("%d|%s|%s|%s", index, p.WorkspaceID, p.Name, p.ActionType)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Seed loads path and upserts every playbook into store.
func Seed(ctx context.Context, store Store, path string) (int, error) {
	playbooks, err := LoadFile(path)
	if err != nil {
		return 0, err
	}

	for _, p := range playbooks {
		if err := store.Save(ctx, p); err != nil {
			return 0, fmt.Errorf("seed playbook %s: %w", p.ID, err)
		}
	}

	log.Info().Str("file", path).Int("count", len(playbooks)).Msg("playbooks loaded")
	return len(playbooks), nil
}
