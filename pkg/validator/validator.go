// Package validator applies the static security policy to submitted handler source.
//
// Validation is pure and deterministic: the same source and policy always
// produce the same report. Every check runs; violations are accumulated rather
// than short-circuited so callers can show the full list to the tenant.
package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Policy is the subset of the security configuration the validator needs.
type Policy struct {
	MaxCodeLength         int
	ForbiddenSymbols      []string
	AllowedImportPrefixes []string
}

// Report is the outcome of validating one source text.
type Report struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// largeAllocationThreshold is the element count above which a static allocation is flagged.
const largeAllocationThreshold = 1_000_000

var (
	importFromPattern    = regexp.MustCompile(`(?m)\bimport\s+[^'"();]*?\s*from\s*['"]([^'"]+)['"]`)
	importBarePattern    = regexp.MustCompile(`(?m)\bimport\s*['"]([^'"]+)['"]`)
	importDynamicPattern = regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	requirePattern       = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)

	frameworkInitPattern = regexp.MustCompile(`\bnew\s+Hono\s*\(`)
	defaultExportPattern = regexp.MustCompile(`(?m)^\s*export\s+default\b`)

	unboundedLoopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bwhile\s*\(\s*(true|1)\s*\)`),
		regexp.MustCompile(`\bfor\s*\(\s*;\s*;\s*\)`),
		regexp.MustCompile(`\bdo\s*\{[\s\S]*?\}\s*while\s*\(\s*(true|1)\s*\)`),
	}
	largeAllocationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bnew\s+Array\s*\(\s*(\d+)\s*\)`),
		regexp.MustCompile(`\.repeat\s*\(\s*(\d+)\s*\)`),
		regexp.MustCompile(`\bBuffer\.alloc\s*\(\s*(\d+)`),
		regexp.MustCompile(`\bnew\s+(?:Uint8|Int8|Uint16|Int16|Uint32|Int32|Float32|Float64)Array\s*\(\s*(\d+)\s*\)`),
	}
)

// Validator checks source text against a Policy.
type Validator struct {
	policy    Policy
	forbidden []forbiddenSymbol
}

type forbiddenSymbol struct {
	name    string
	pattern *regexp.Regexp
}

// New compiles the policy into a reusable Validator.
func New(policy Policy) *Validator {
	v := &Validator{policy: policy}
	for _, sym := range policy.ForbiddenSymbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		v.forbidden = append(v.forbidden, forbiddenSymbol{
			name:    sym,
			pattern: symbolPattern(sym),
		})
	}
	return v
}

// symbolPattern builds a word-boundary matcher. Symbols starting or ending in a
// non-word character (e.g. "__proto__" is fine, "$x" is not) only get a boundary
// on their word-character edges.
func symbolPattern(sym string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(sym)
	prefix, suffix := "", ""
	if isWordByte(sym[0]) {
		prefix = `\b`
	}
	if isWordByte(sym[len(sym)-1]) {
		suffix = `\b`
	}
	return regexp.MustCompile(prefix + quoted + suffix)
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Validate runs every check and returns the accumulated report.
func (v *Validator) Validate(source string) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}

	if v.policy.MaxCodeLength > 0 && len(source) > v.policy.MaxCodeLength {
		report.Errors = append(report.Errors,
			fmt.Sprintf("Code exceeds maximum length of %d characters (got %d)", v.policy.MaxCodeLength, len(source)))
	}

	for _, sym := range v.forbidden {
		if sym.pattern.MatchString(source) {
			report.Errors = append(report.Errors, "Forbidden function: "+sym.name)
		}
	}

	for _, target := range ImportTargets(source) {
		if !v.importAllowed(target) {
			report.Errors = append(report.Errors, "Import not allowed: "+target)
		}
	}

	if !frameworkInitPattern.MatchString(source) {
		report.Errors = append(report.Errors, "Missing framework initialization: expected new Hono()")
	}
	if !defaultExportPattern.MatchString(source) {
		report.Errors = append(report.Errors, "Missing default export")
	}

	report.Warnings = append(report.Warnings, warnings(source)...)
	report.IsValid = len(report.Errors) == 0
	return report
}

func (v *Validator) importAllowed(target string) bool {
	if strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") {
		return true
	}
	for _, prefix := range v.policy.AllowedImportPrefixes {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// ImportTargets returns every statically declared module specifier in source
// order of first appearance, without duplicates.
func ImportTargets(source string) []string {
	type hit struct {
		pos    int
		target string
	}
	var hits []hit
	for _, pattern := range []*regexp.Regexp{importFromPattern, importBarePattern, importDynamicPattern, requirePattern} {
		for _, m := range pattern.FindAllStringSubmatchIndex(source, -1) {
			hits = append(hits, hit{pos: m[2], target: source[m[2]:m[3]]})
		}
	}

	// Stable ordering by position keeps the report deterministic.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	seen := make(map[string]bool, len(hits))
	targets := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.target] {
			continue
		}
		seen[h.target] = true
		targets = append(targets, h.target)
	}
	return targets
}

func warnings(source string) []string {
	var out []string
	for _, pattern := range unboundedLoopPatterns {
		if pattern.MatchString(source) {
			out = append(out, "Potential infinite loop detected")
			break
		}
	}
	for _, pattern := range largeAllocationPatterns {
		for _, m := range pattern.FindAllStringSubmatch(source, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n >= largeAllocationThreshold {
				out = append(out, "Large memory allocation detected: "+strings.TrimSpace(m[0]))
			}
		}
	}
	return out
}
