// Package config resolves evaluation and function names to their
// configured evaluators and scoring function, backed by a YAML document.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/evalcore/topk/scoring"
)

// EvaluationConfig is one named evaluation's configured evaluators and
// scoring function.
type EvaluationConfig struct {
	Evaluators   []string        `yaml:"evaluators"`
	FunctionName scoring.Function `yaml:"function_name"`
}

// FunctionMetadata describes a scoring function entry, reserved for future
// function-specific parameters (AverageEvaluatorScore needs none today).
type FunctionMetadata struct {
	Name scoring.Function `yaml:"name"`
}

// ConfigLookup resolves evaluation and function names.
type ConfigLookup interface {
	Evaluation(name string) (EvaluationConfig, error)
	Function(name string) (FunctionMetadata, error)
}

// document is the on-disk YAML shape.
type document struct {
	Evaluations map[string]EvaluationConfig  `yaml:"evaluations"`
	Functions   map[string]FunctionMetadata  `yaml:"functions"`
}

// YAMLLookup is a ConfigLookup backed by an in-memory document parsed from
// YAML (typically loaded once at process startup).
type YAMLLookup struct {
	doc document
}

// LoadYAMLFile reads and parses a YAML configuration file from path.
func LoadYAMLFile(path string) (*YAMLLookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()

	var doc document
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return NewYAMLLookup(doc.Evaluations, doc.Functions), nil
}

// NewYAMLLookup builds a lookup directly from parsed maps (used by tests
// and by LoadYAMLFile).
func NewYAMLLookup(evaluations map[string]EvaluationConfig, functions map[string]FunctionMetadata) *YAMLLookup {
	return &YAMLLookup{doc: document{Evaluations: evaluations, Functions: functions}}
}

// Evaluation implements ConfigLookup.
func (y *YAMLLookup) Evaluation(name string) (EvaluationConfig, error) {
	cfg, ok := y.doc.Evaluations[name]
	if !ok {
		return EvaluationConfig{}, errors.Errorf("config: unknown evaluation %q", name)
	}
	if !scoring.Valid(cfg.FunctionName) {
		return EvaluationConfig{}, errors.Errorf("config: evaluation %q has unknown scoring function %q", name, cfg.FunctionName)
	}
	return cfg, nil
}

// Function implements ConfigLookup.
func (y *YAMLLookup) Function(name string) (FunctionMetadata, error) {
	fn, ok := y.doc.Functions[name]
	if !ok {
		return FunctionMetadata{}, errors.Errorf("config: unknown function %q", name)
	}
	return fn, nil
}
