package main

import (
	"context"
	"fmt"
	"os"

	"github.com/haywardsec/rulegate/internal/compiler"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/packs"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var lintFlags struct {
	format string
}

var lintCmd = &cobra.Command{
	Use:   "lint <bundle.json> [bundle.json ...]",
	Short: "Compile-check rule pack bundles without uploading them",
	Long: `Compile-check one or more rule pack bundle files.

Each bundle is validated and its items compiled exactly as an upload
would, but nothing is stored. The exit code is non-zero when any bundle
is malformed or any item fails to compile.

Examples:
  # Check a single bundle
  rulegate lint soc-core.json

  # Check several, with JSON output for CI
  rulegate lint packs/*.json --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: lintBundles,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text, json")
}

// lintResult is the outcome for one bundle file.
type lintResult struct {
	File     string      `json:"file"`
	Pack     string      `json:"pack,omitempty"`
	Version  string      `json:"version,omitempty"`
	Items    int         `json:"items"`
	Valid    bool        `json:"valid"`
	Errors   []lintIssue `json:"errors,omitempty"`
	Warnings []lintIssue `json:"warnings,omitempty"`
}

// lintIssue is a single error or warning, attributed to a rule when one
// is involved.
type lintIssue struct {
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func lintBundles(cmd *cobra.Command, args []string) error {
	c := compiler.NewMulti()
	results := make([]lintResult, 0, len(args))
	for _, path := range args {
		results = append(results, lintBundleFile(cmd.Context(), c, path))
	}

	if lintFlags.format == "json" {
		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		printLintResults(results)
	}

	for _, result := range results {
		if !result.Valid {
			return fmt.Errorf("lint failed")
		}
	}
	return nil
}

func lintBundleFile(ctx context.Context, c compiler.Compiler, path string) lintResult {
	result := lintResult{File: path, Valid: true}

	raw, err := os.ReadFile(path)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, lintIssue{Message: err.Error()})
		return result
	}

	var bundle domain.UploadBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, lintIssue{Message: fmt.Sprintf("not a bundle: %v", err)})
		return result
	}
	result.Pack = bundle.Name
	result.Version = bundle.Version

	items, err := packs.Check(ctx, c, &bundle)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, lintIssue{Message: err.Error()})
		return result
	}
	result.Items = len(items)

	for _, item := range items {
		for _, msg := range item.Compile.Errors {
			result.Valid = false
			result.Errors = append(result.Errors, lintIssue{Rule: item.RuleID, Message: msg})
		}
		for _, msg := range item.Compile.Warnings {
			result.Warnings = append(result.Warnings, lintIssue{Rule: item.RuleID, Message: msg})
		}
	}
	return result
}

func printLintResults(results []lintResult) {
	totalErrors := 0
	totalWarnings := 0

	for _, result := range results {
		if result.Pack != "" {
			fmt.Printf("Checking %s (%s %s, %d items)...\n", result.File, result.Pack, result.Version, result.Items)
		} else {
			fmt.Printf("Checking %s...\n", result.File)
		}

		if len(result.Errors) == 0 && len(result.Warnings) == 0 {
			fmt.Println("✓ All items compile")
		}
		for _, issue := range result.Errors {
			if issue.Rule != "" {
				fmt.Printf("✗ Error: %s: %s\n", issue.Rule, issue.Message)
			} else {
				fmt.Printf("✗ Error: %s\n", issue.Message)
			}
			totalErrors++
		}
		for _, issue := range result.Warnings {
			fmt.Printf("⚠  Warning: %s: %s\n", issue.Rule, issue.Message)
			totalWarnings++
		}
		fmt.Println()
	}

	fmt.Println("Summary:")
	fmt.Printf("  %d error(s), %d warning(s)\n", totalErrors, totalWarnings)
}
