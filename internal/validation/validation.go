// Package validation provides format checks for identifiers that enter the
// rule store. Identifiers end up in URL paths, log lines and runtime
// payloads, so anything outside a small safe alphabet is rejected at the
// door.
package validation

import "fmt"

// Length caps for stored identifiers.
const (
	MaxRuleIDLength   = 128
	MaxTenantIDLength = 64
	MaxPackNameLength = 200
	MaxVersionLength  = 64
)

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// isAlphaNum returns true if the byte is an ASCII letter or digit.
func isAlphaNum(b byte) bool {
	return isAlpha(b) || isNum(b)
}

// RuleID validates a rule's logical identifier. Rule ids must start with a
// letter or digit and can contain letters, digits, hyphens, underscores or
// dots, so both slug-style ids and Sigma UUIDs pass.
func RuleID(id string) error {
	if id == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if len(id) > MaxRuleIDLength {
		return fmt.Errorf("rule id must be at most %d characters", MaxRuleIDLength)
	}
	if !isAlphaNum(id[0]) {
		return fmt.Errorf("rule id must start with a letter or digit")
	}
	for _, b := range []byte(id) {
		if !isAlphaNum(b) && b != '-' && b != '_' && b != '.' {
			return fmt.Errorf("rule ids can only contain letters, digits, hyphens, underscores, or dots")
		}
	}
	return nil
}

// PackName validates a rule pack name.
// Pack names must start with a letter or digit and can contain letters,
// digits, hyphens, underscores, dots, or spaces.
func PackName(name string) error {
	if name == "" {
		return fmt.Errorf("pack name must not be empty")
	}
	if len(name) > MaxPackNameLength {
		return fmt.Errorf("pack name must be at most %d characters", MaxPackNameLength)
	}
	if !isAlphaNum(name[0]) {
		return fmt.Errorf("pack name must start with a letter or digit")
	}
	for _, b := range []byte(name) {
		if !isAlphaNum(b) && b != '-' && b != '_' && b != '.' && b != ' ' {
			return fmt.Errorf("pack names can only contain letters, digits, hyphens, underscores, dots, or spaces")
		}
	}
	return nil
}

// PackVersion validates a rule pack version string. Semver is common but
// not required; any string of letters, digits, dots, hyphens, underscores,
// or plus signs is accepted.
func PackVersion(version string) error {
	if version == "" {
		return fmt.Errorf("version must not be empty")
	}
	if len(version) > MaxVersionLength {
		return fmt.Errorf("version must be at most %d characters", MaxVersionLength)
	}
	if !isAlphaNum(version[0]) {
		return fmt.Errorf("version must start with a letter or digit")
	}
	for _, b := range []byte(version) {
		if !isAlphaNum(b) && b != '-' && b != '_' && b != '.' && b != '+' {
			return fmt.Errorf("versions can only contain letters, digits, dots, hyphens, underscores, or plus signs")
		}
	}
	return nil
}

// TenantID validates a tenant identifier from the X-Tenant-ID header.
// Tenant ids must start with a letter or digit and can contain letters,
// digits, hyphens, or underscores.
func TenantID(tenant string) error {
	if tenant == "" {
		return fmt.Errorf("tenant id must not be empty")
	}
	if len(tenant) > MaxTenantIDLength {
		return fmt.Errorf("tenant id must be at most %d characters", MaxTenantIDLength)
	}
	if !isAlphaNum(tenant[0]) {
		return fmt.Errorf("tenant id must start with a letter or digit")
	}
	for _, b := range []byte(tenant) {
		if !isAlphaNum(b) && b != '-' && b != '_' {
			return fmt.Errorf("tenant ids can only contain letters, digits, hyphens, or underscores")
		}
	}
	return nil
}

// Tag validates a rule tag. Tags follow the MITRE-style convention of
// dot-separated segments, such as attack.credential_access or cloud.aws.
func Tag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	if !isAlphaNum(tag[0]) {
		return fmt.Errorf("tag must start with a letter or digit")
	}
	for _, b := range []byte(tag) {
		if !isAlphaNum(b) && b != '-' && b != '_' && b != '.' {
			return fmt.Errorf("tags can only contain letters, digits, hyphens, underscores, or dots")
		}
	}
	return nil
}
