// Package rules loads detection rules from YAML files and holds the active set.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

// ErrDuplicateRuleID is reported when two definitions share an id. The first one wins.
var ErrDuplicateRuleID = errors.New("duplicate rule id")

// LoadError describes one rejected file or rule definition.
type LoadError struct {
	File   string `json:"file"`
	RuleID string `json:"rule_id,omitempty"`
	Index  int    `json:"index"` // position in a multi-rule file
	Err    error  `json:"-"`
}

func (e *LoadError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s: rule %s: %v", e.File, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s[%d]: %v", e.File, e.Index, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MarshalText renders the error message for JSON responses.
func (e *LoadError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// LoadResult is the outcome of scanning a rules directory.
type LoadResult struct {
	Rules  []models.Rule
	Errors []*LoadError
	Files  int
}

// Loader parses and validates rule files.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Load reads every *.yaml and *.yml file in dir. Invalid files and rules are
// reported in the result and never abort the load. Only a missing or
// unreadable directory is returned as an error.
func (l *Loader) Load(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules path %s is not a directory", dir)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to list rule files: %w", err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)

	result := &LoadResult{Files: len(files)}
	seen := make(map[string]string)

	for _, file := range files {
		rules, errs := l.LoadFile(file)
		result.Errors = append(result.Errors, errs...)

		for i, rule := range rules {
			if first, dup := seen[rule.ID]; dup {
				result.Errors = append(result.Errors, &LoadError{
					File:   file,
					RuleID: rule.ID,
					Index:  i,
					Err:    fmt.Errorf("%w (first defined in %s)", ErrDuplicateRuleID, first),
				})
				continue
			}
			seen[rule.ID] = file
			result.Rules = append(result.Rules, rule)
		}
	}

	return result, nil
}

// LoadFile parses one file holding either a single rule mapping or a list of rules.
func (l *Loader) LoadFile(path string) ([]models.Rule, []*LoadError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []*LoadError{{File: path, Err: fmt.Errorf("failed to read file: %w", err)}}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []*LoadError{{File: path, Err: fmt.Errorf("failed to parse yaml: %w", err)}}
	}
	if len(doc.Content) == 0 {
		return nil, []*LoadError{{File: path, Err: errors.New("file is empty")}}
	}

	root := doc.Content[0]
	var nodes []*yaml.Node
	switch root.Kind {
	case yaml.MappingNode:
		nodes = []*yaml.Node{root}
	case yaml.SequenceNode:
		nodes = root.Content
	default:
		return nil, []*LoadError{{File: path, Err: errors.New("expected a rule mapping or a list of rules")}}
	}

	var (
		rules []models.Rule
		errs  []*LoadError
	)
	for i, node := range nodes {
		var rule models.Rule
		if err := node.Decode(&rule); err != nil {
			errs = append(errs, &LoadError{File: path, Index: i, Err: fmt.Errorf("failed to decode rule: %w", err)})
			continue
		}
		if err := l.Validate(&rule); err != nil {
			errs = append(errs, &LoadError{File: path, RuleID: rule.ID, Index: i, Err: err})
			continue
		}
		rule.SourceFile = path
		rules = append(rules, rule)
	}

	return rules, errs
}

// Validate checks the required fields of a rule.
func (l *Loader) Validate(rule *models.Rule) error {
	err := l.validate.Struct(rule)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid rule: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fieldPath(fe), fe.Tag()))
	}
	return fmt.Errorf("invalid rule: %s", strings.Join(fields, ", "))
}

// fieldPath turns Rule.Condition.Threshold into condition.threshold.
func fieldPath(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		parts[i] = yamlName(p)
	}
	return strings.Join(parts, ".")
}

var yamlNames = map[string]string{
	"QueryDSL":        "query_dsl",
	"LookbackMinutes": "lookback_minutes",
	"AggField":        "agg_field",
}

func yamlName(field string) string {
	if n, ok := yamlNames[field]; ok {
		return n
	}
	return strings.ToLower(field)
}
