package domain

import "time"

// Rule kinds understood by the compile dispatcher.
const (
	RuleKindNative = "native"
	RuleKindSigma  = "sigma"
)

// Pack upload sources.
const (
	PackSourceAPI     = "api"
	PackSourceWatcher = "watcher"
)

// Severity levels, lowest to highest.
var SeverityRank = map[string]int{
	"info":     0,
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// RulePack represents an immutable uploaded bundle of detection rules.
// Packs are content-addressed: re-uploading identical content for the same
// tenant returns the existing pack.
type RulePack struct {
	ID            string    `json:"pack_id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Name          string    `json:"name" db:"name"`
	Version       string    `json:"version" db:"version"`
	SHA256        string    `json:"sha256" db:"sha256"`
	ItemCount     int       `json:"item_count" db:"item_count"`
	CompileErrors int       `json:"compile_errors" db:"compile_errors"`
	Source        string    `json:"source" db:"source"` // "api", "watcher"
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// RulePackItem represents one detection rule inside a pack. The body is
// opaque to the engine beyond the compile check.
type RulePackItem struct {
	ID       string        `json:"item_id" db:"id"`
	PackID   string        `json:"pack_id" db:"pack_id"`
	RuleID   string        `json:"rule_id" db:"rule_id"`
	Name     string        `json:"name" db:"name"`
	Kind     string        `json:"kind" db:"kind"` // "native", "sigma"
	Severity string        `json:"severity" db:"severity"`
	Tags     []string      `json:"tags" db:"-"`
	Body     string        `json:"body" db:"body"`
	SHA256   string        `json:"sha256" db:"sha256"`
	Compile  CompileResult `json:"compile" db:"-"`
}

// CompileResult is the stored outcome of the upload-time compile check.
type CompileResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// UploadBundle is the request body for uploading a rule pack.
type UploadBundle struct {
	Name    string             `json:"name"`
	Version string             `json:"version"`
	Items   []UploadBundleItem `json:"items"`
}

// UploadBundleItem is one rule in an upload bundle.
type UploadBundleItem struct {
	RuleID   string   `json:"rule_id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Severity string   `json:"severity"`
	Tags     []string `json:"tags,omitempty"`
	Body     string   `json:"body"`
}

// UploadPackResponse summarizes a stored pack for upload callers. Errors
// flattens per-item compile failures; those never fail the upload itself.
type UploadPackResponse struct {
	PackID  string   `json:"pack_id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Items   int      `json:"items"`
	SHA256  string   `json:"sha256"`
	Created bool     `json:"created"`
	Errors  []string `json:"errors"`
}
