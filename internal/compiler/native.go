package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haywardsec/rulegate/internal/domain"
)

// Operators accepted in native condition leaves.
var nativeOps = map[string]bool{
	"eq":       true,
	"neq":      true,
	"contains": true,
	"regex":    true,
	"in":       true,
	"gt":       true,
	"gte":      true,
	"lt":       true,
	"lte":      true,
}

// Aliases kept for older packs; they compile with a warning.
var deprecatedOps = map[string]string{
	"equals":     "eq",
	"not_equals": "neq",
	"matches":    "regex",
}

const maxConditionDepth = 16

// Native checks the JSON condition document of a native detection rule.
// A document is either a leaf {field, op, value} or a group {all: [...]} /
// {any: [...]} nesting further documents.
type Native struct{}

type nativeCondition struct {
	Field string            `json:"field,omitempty"`
	Op    string            `json:"op,omitempty"`
	Value any               `json:"value,omitempty"`
	All   []nativeCondition `json:"all,omitempty"`
	Any   []nativeCondition `json:"any,omitempty"`
}

type nativeDoc struct {
	Condition *nativeCondition `json:"condition"`
}

// Compile implements Compiler.
func (n *Native) Compile(ctx context.Context, item *domain.RulePackItem) domain.CompileResult {
	var result domain.CompileResult

	var doc nativeDoc
	dec := json.NewDecoder(strings.NewReader(item.Body))
	if err := dec.Decode(&doc); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("condition document is not valid JSON: %v", err))
		return result
	}
	if doc.Condition == nil {
		result.Errors = append(result.Errors, "condition is required")
		return result
	}

	n.walk(doc.Condition, "condition", 0, &result)
	result.OK = len(result.Errors) == 0
	return result
}

func (n *Native) walk(c *nativeCondition, path string, depth int, result *domain.CompileResult) {
	if depth > maxConditionDepth {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: conditions nested deeper than %d levels", path, maxConditionDepth))
		return
	}

	isLeaf := c.Field != "" || c.Op != ""
	isGroup := len(c.All) > 0 || len(c.Any) > 0

	switch {
	case isLeaf && isGroup:
		result.Errors = append(result.Errors, fmt.Sprintf("%s: cannot mix field/op with all/any", path))
	case isGroup:
		if len(c.All) > 0 && len(c.Any) > 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: cannot combine all and any in one group", path))
			return
		}
		for i := range c.All {
			n.walk(&c.All[i], fmt.Sprintf("%s.all[%d]", path, i), depth+1, result)
		}
		for i := range c.Any {
			n.walk(&c.Any[i], fmt.Sprintf("%s.any[%d]", path, i), depth+1, result)
		}
	case isLeaf:
		n.checkLeaf(c, path, result)
	default:
		result.Errors = append(result.Errors, fmt.Sprintf("%s: empty condition", path))
	}
}

func (n *Native) checkLeaf(c *nativeCondition, path string, result *domain.CompileResult) {
	if c.Field == "" {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: field is required", path))
	}

	op := c.Op
	if canonical, ok := deprecatedOps[op]; ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: operator %q is deprecated, use %q", path, op, canonical))
		op = canonical
	}
	if op == "" {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: op is required", path))
		return
	}
	if !nativeOps[op] {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: unknown operator %q", path, c.Op))
		return
	}

	switch op {
	case "regex":
		pattern, ok := c.Value.(string)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: regex operator requires a string pattern", path))
			return
		}
		if _, err := regexp.Compile(pattern); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: invalid regex: %v", path, err))
		}
	case "in":
		if _, ok := c.Value.([]any); !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: in operator requires an array value", path))
		}
	case "gt", "gte", "lt", "lte":
		if _, ok := c.Value.(float64); !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s operator requires a numeric value", path, op))
		}
	default:
		if c.Value == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: value is required", path))
		}
	}
}
