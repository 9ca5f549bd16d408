// Package config loads the full kernel configuration from defaults, an
// optional YAML file, and environment-variable overrides, in that
// order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/floor"
	"github.com/quorumkit/quorum/memory"
	"github.com/quorumkit/quorum/orchestrator"
	"github.com/quorumkit/quorum/participant"
	"github.com/quorumkit/quorum/phase"
	"github.com/quorumkit/quorum/store"
	"github.com/quorumkit/quorum/types"
)

// LogConfig configures the zap logger built by the binary.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Config is the complete configuration tree.
type Config struct {
	Session      orchestrator.Config  `yaml:"session"`
	Participants []participant.Config `yaml:"participants" env:"-"`
	Floor        floor.Config         `yaml:"floor"`
	Bus          bus.Config           `yaml:"bus"`
	Memory       memory.Config        `yaml:"memory"`
	Mode         phase.Config         `yaml:"mode" env:"-"`
	Store        store.Config         `yaml:"store"`
	Log          LogConfig            `yaml:"log"`
}

// Default returns a runnable configuration with two debating
// participants.
func Default() *Config {
	return &Config{
		Session: orchestrator.DefaultConfig(),
		Participants: []participant.Config{
			defaultParticipant("advocate", "argues for bold options"),
			defaultParticipant("skeptic", "stress-tests every proposal"),
		},
		Floor:  floor.DefaultConfig(),
		Bus:    bus.DefaultConfig(),
		Memory: memory.DefaultConfig(),
		Mode:   phase.DefaultConfig(),
		Store:  store.DefaultConfig(),
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

func defaultParticipant(id, role string) participant.Config {
	cfg := participant.DefaultConfig(id)
	cfg.Role = role
	cfg.SystemPrompt = fmt.Sprintf("You are %s, a deliberation participant who %s.", id, role)
	return cfg
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	var errs []string

	enabled := 0
	seen := make(map[string]bool)
	for _, p := range c.Participants {
		if p.ID == "" {
			errs = append(errs, "participant with empty id")
			continue
		}
		if p.ID == types.SenderSystem || p.ID == types.SenderHuman {
			errs = append(errs, fmt.Sprintf("participant id %q is reserved", p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("duplicate participant id %q", p.ID))
		}
		seen[p.ID] = true
		if p.Enabled {
			enabled++
		}
		if p.Reactivity < 0 || p.Reactivity > 1 {
			errs = append(errs, fmt.Sprintf("participant %q: reactivity must be in [0,1]", p.ID))
		}
	}
	if enabled < 2 {
		errs = append(errs, "at least two enabled participants required")
	}

	if c.Bus.MaxMessages <= 0 {
		errs = append(errs, "bus max_messages must be positive")
	}
	if c.Floor.QueueCap <= 0 {
		errs = append(errs, "floor queue_cap must be positive")
	}
	if c.Memory.MaxSummaries <= 0 || c.Memory.MaxProposals <= 0 {
		errs = append(errs, "memory caps must be positive")
	}

	cons := c.Session.Consensus
	if cons.ConsensusThreshold < 0 || cons.ConsensusThreshold > 1 {
		errs = append(errs, "consensus threshold must be in (0,1]")
	}
	if cons.ConflictThreshold < 0 || cons.ConflictThreshold > 1 {
		errs = append(errs, "conflict threshold must be in (0,1]")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
