package rewrite

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"relay-proxy-go/internal/config"
)

// NewFromConfig builds the rewriter for the configured mount: the default
// rules first, then any rules loaded from cfg.Relay.RulesPath.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Rewriter, error) {
	extra, err := LoadRules(cfg.Relay.RulesPath)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, DefaultRules...)
	rules = append(rules, extra...)

	rw, err := New(cfg.Relay.Prefix, rules)
	if err != nil {
		return nil, fmt.Errorf("compiling rewrite rules: %w", err)
	}
	logger.Info("rewrite rules loaded",
		"component", "rewriter",
		"default", len(DefaultRules),
		"custom", len(extra),
	)
	return rw, nil
}

// LoadRules reads rules from a ';'-separated list of YAML files or
// directories. Directories are walked for *.yml and *.yaml files. Each file
// holds a YAML list of rules. An empty paths string yields no rules.
func LoadRules(paths string) ([]Rule, error) {
	var rules []Rule
	var errs []error

	for p := range strings.SplitSeq(paths, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}
			r, err := readRuleFile(path)
			if err != nil {
				return err
			}
			rules = append(rules, r...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("loading rules from %q: %w", p, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}

func readRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	for i, r := range rules {
		if r.Match == "" {
			return nil, fmt.Errorf("rules file %s: rule %d has no match", path, i)
		}
	}
	return rules, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}
