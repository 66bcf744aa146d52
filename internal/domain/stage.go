package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage is one phase of the analysis pipeline. Every stage has its own job type and worker.
type Stage string

const (
	StageAnalyzer  Stage = "analyzer"
	StageAdvisor   Stage = "advisor"
	StageScanner   Stage = "scanner"
	StageEvaluator Stage = "evaluator"
	StageReporter  Stage = "reporter"
	StageNotifier  Stage = "notifier"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{StageAnalyzer, StageAdvisor, StageScanner, StageEvaluator, StageReporter, StageNotifier}

func ParseStage(value string) (Stage, error) {
	candidate := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range Stages {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// NextStage returns the stage following s in pipeline order.
func NextStage(s Stage) (Stage, bool) {
	for i, candidate := range Stages {
		if candidate == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// JobConfiguration is the stage-specific, immutable configuration of a job.
type JobConfiguration interface {
	Stage() Stage
}

type AnalyzerJobConfiguration struct {
	AllowDynamicVersions    bool     `json:"allowDynamicVersions,omitempty" yaml:"allowDynamicVersions,omitempty"`
	EnabledPackageManagers  []string `json:"enabledPackageManagers,omitempty" yaml:"enabledPackageManagers,omitempty"`
	DisabledPackageManagers []string `json:"disabledPackageManagers,omitempty" yaml:"disabledPackageManagers,omitempty"`
	SkipExcluded            bool     `json:"skipExcluded,omitempty" yaml:"skipExcluded,omitempty"`
}

type AdvisorJobConfiguration struct {
	Advisors     []string `json:"advisors,omitempty" yaml:"advisors,omitempty"`
	SkipExcluded bool     `json:"skipExcluded,omitempty" yaml:"skipExcluded,omitempty"`
}

type ScannerJobConfiguration struct {
	Scanners      []string `json:"scanners,omitempty" yaml:"scanners,omitempty"`
	SkipConcluded bool     `json:"skipConcluded,omitempty" yaml:"skipConcluded,omitempty"`
	SkipExcluded  bool     `json:"skipExcluded,omitempty" yaml:"skipExcluded,omitempty"`
}

type EvaluatorJobConfiguration struct {
	RuleSet                string `json:"ruleSet,omitempty" yaml:"ruleSet,omitempty"`
	LicenseClassifications string `json:"licenseClassifications,omitempty" yaml:"licenseClassifications,omitempty"`
}

type ReporterJobConfiguration struct {
	Formats []string `json:"formats,omitempty" yaml:"formats,omitempty"`
}

type NotifierJobConfiguration struct {
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
}

func (AnalyzerJobConfiguration) Stage() Stage  { return StageAnalyzer }
func (AdvisorJobConfiguration) Stage() Stage   { return StageAdvisor }
func (ScannerJobConfiguration) Stage() Stage   { return StageScanner }
func (EvaluatorJobConfiguration) Stage() Stage { return StageEvaluator }
func (ReporterJobConfiguration) Stage() Stage  { return StageReporter }
func (NotifierJobConfiguration) Stage() Stage  { return StageNotifier }

// JobConfigurations holds the per-stage configuration of a run. A nil entry means the stage is
// not part of the run.
type JobConfigurations struct {
	Analyzer  *AnalyzerJobConfiguration  `json:"analyzer,omitempty" yaml:"analyzer,omitempty"`
	Advisor   *AdvisorJobConfiguration   `json:"advisor,omitempty" yaml:"advisor,omitempty"`
	Scanner   *ScannerJobConfiguration   `json:"scanner,omitempty" yaml:"scanner,omitempty"`
	Evaluator *EvaluatorJobConfiguration `json:"evaluator,omitempty" yaml:"evaluator,omitempty"`
	Reporter  *ReporterJobConfiguration  `json:"reporter,omitempty" yaml:"reporter,omitempty"`
	Notifier  *NotifierJobConfiguration  `json:"notifier,omitempty" yaml:"notifier,omitempty"`
}

// For returns the configuration of the given stage if the stage is enabled.
func (c JobConfigurations) For(s Stage) (JobConfiguration, bool) {
	switch s {
	case StageAnalyzer:
		if c.Analyzer != nil {
			return *c.Analyzer, true
		}
	case StageAdvisor:
		if c.Advisor != nil {
			return *c.Advisor, true
		}
	case StageScanner:
		if c.Scanner != nil {
			return *c.Scanner, true
		}
	case StageEvaluator:
		if c.Evaluator != nil {
			return *c.Evaluator, true
		}
	case StageReporter:
		if c.Reporter != nil {
			return *c.Reporter, true
		}
	case StageNotifier:
		if c.Notifier != nil {
			return *c.Notifier, true
		}
	}
	return nil, false
}

// EncodeJobConfiguration serializes cfg for storage.
func EncodeJobConfiguration(cfg JobConfiguration) ([]byte, error) {
	if cfg == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(cfg)
}

// DecodeJobConfiguration restores the concrete configuration type of stage from raw.
func DecodeJobConfiguration(stage Stage, raw []byte) (JobConfiguration, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		cfg JobConfiguration
		err error
	)
	switch stage {
	case StageAnalyzer:
		var c AnalyzerJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StageAdvisor:
		var c AdvisorJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StageScanner:
		var c ScannerJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StageEvaluator:
		var c EvaluatorJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StageReporter:
		var c ReporterJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	case StageNotifier:
		var c NotifierJobConfiguration
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s configuration: %w", stage, err)
	}
	return cfg, nil
}
