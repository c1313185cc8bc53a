// Package aggregator implements the Pattern Aggregator: it turns a stream of
// raw SQL observations into SqlPattern upserts, drains the raw log source,
// and publishes a dirty-for-analysis event per pattern that needs a fresh
// LLM pass.
package aggregator

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumigraph/lumigraph/internal/config"
)

type (
	// ReanalysisRule allows a specific terminal llm_status ("FAILED_PARSE" or
	// "FAILED_LLM") to be reset to PENDING automatically the next time a
	// matching observation arrives.
	ReanalysisRule struct {
		Status string `yaml:"status"`
		Allow  bool   `yaml:"allow"`
	}

	// PolicyConfig holds the operator-controlled re-analysis policy loaded
	// from .lineage-policy.yaml. A FAILED_PARSE/FAILED_LLM pattern is never
	// reset to PENDING automatically (spec §4.2, §9) unless an operator has
	// explicitly opted that status in here.
	PolicyConfig struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ReanalysisRules []ReanalysisRule `yaml:"reanalysis_rules"`
	}
)

const (
	// DefaultPolicyPath is the default location of the re-analysis policy file.
	DefaultPolicyPath = ".lineage-policy.yaml"

	// PolicyPathEnvVar overrides the default policy file location.
	PolicyPathEnvVar = "LINEAGE_POLICY_PATH"
)

// LoadPolicyConfig loads the re-analysis policy from a YAML file at path.
// A missing or invalid file degrades gracefully to "no automatic
// re-analysis" rather than failing startup: this policy is an operator
// convenience, not a correctness requirement.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	cfg := &PolicyConfig{ReanalysisRules: []ReanalysisRule{}}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("policy file not found, no automatic re-analysis", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read policy file, no automatic re-analysis",
			slog.String("path", path), slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse policy file, no automatic re-analysis",
			slog.String("path", path), slog.String("error", err.Error()))

		return &PolicyConfig{ReanalysisRules: []ReanalysisRule{}}, nil
	}

	if cfg.ReanalysisRules == nil {
		cfg.ReanalysisRules = []ReanalysisRule{}
	}

	return cfg, nil
}

// LoadPolicyConfigFromEnv loads the policy from LINEAGE_POLICY_PATH, falling
// back to DefaultPolicyPath.
func LoadPolicyConfigFromEnv() (*PolicyConfig, error) {
	return LoadPolicyConfig(config.GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath))
}

// Allows reports whether a pattern currently in status may be reset to
// PENDING on its next observation. Unknown statuses default to false: an
// operator must opt a status in explicitly.
func (c *PolicyConfig) Allows(status string) bool {
	if c == nil {
		return false
	}

	for _, rule := range c.ReanalysisRules {
		if rule.Status == status {
			return rule.Allow
		}
	}

	return false
}
