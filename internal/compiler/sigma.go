package compiler

import (
	"context"
	"fmt"

	"github.com/haywardsec/rulegate/internal/domain"
	"gopkg.in/yaml.v2"
)

// Sigma checks a Sigma rule YAML document. Only structural validity is
// verified; field mapping against the log source happens in the detection
// runtime, not here.
type Sigma struct{}

type sigmaRule struct {
	Title     string                 `yaml:"title"`
	ID        string                 `yaml:"id"`
	Status    string                 `yaml:"status"`
	Level     string                 `yaml:"level"`
	Logsource map[string]string      `yaml:"logsource"`
	Detection map[string]interface{} `yaml:"detection"`
	Tags      []string               `yaml:"tags"`
}

var sigmaLevels = map[string]bool{
	"informational": true,
	"low":           true,
	"medium":        true,
	"high":          true,
	"critical":      true,
}

// Compile implements Compiler.
func (s *Sigma) Compile(ctx context.Context, item *domain.RulePackItem) domain.CompileResult {
	var result domain.CompileResult

	var rule sigmaRule
	if err := yaml.Unmarshal([]byte(item.Body), &rule); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("rule is not valid YAML: %v", err))
		return result
	}

	if rule.Title == "" {
		result.Errors = append(result.Errors, "title is required")
	}
	if len(rule.Detection) == 0 {
		result.Errors = append(result.Errors, "detection is required")
	} else {
		if _, ok := rule.Detection["condition"]; !ok {
			result.Errors = append(result.Errors, "detection.condition is required")
		}
		selections := 0
		for k := range rule.Detection {
			if k != "condition" && k != "timeframe" {
				selections++
			}
		}
		if selections == 0 {
			result.Errors = append(result.Errors, "detection defines no selections")
		}
	}

	if rule.ID == "" {
		result.Warnings = append(result.Warnings, "id is missing; matches cannot be correlated across rule renames")
	}
	if rule.Level == "" {
		result.Warnings = append(result.Warnings, "level is missing")
	} else if !sigmaLevels[rule.Level] {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown level %q", rule.Level))
	}
	if rule.Status == "deprecated" || rule.Status == "unsupported" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("rule status is %q", rule.Status))
	}
	if len(rule.Logsource) == 0 {
		result.Warnings = append(result.Warnings, "logsource is missing; rule will match against all event streams")
	}

	result.OK = len(result.Errors) == 0
	return result
}
