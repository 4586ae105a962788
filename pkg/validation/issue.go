// Package validation checks raw and normalized billing data for structural
// problems, cross-source drift and implausible calculation results. Findings
// are returned as data, never as errors.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Level is the severity of an issue.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Code identifies the kind of issue.
type Code string

const (
	CodeMissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	CodeInvalidNumericValue  Code = "INVALID_NUMERIC_VALUE"
	CodeNegativeAmount       Code = "NEGATIVE_AMOUNT"
	CodeInconsistentAmount   Code = "INCONSISTENT_AMOUNT"
	CodeDiscountMismatch     Code = "DISCOUNT_MISMATCH"
	CodeInvalidDateFormat    Code = "INVALID_DATE_FORMAT"
	CodeMissingServicePeriod Code = "MISSING_SERVICE_PERIOD"
	CodeMissingInMySQL       Code = "MISSING_IN_MYSQL"
	CodeMissingInBSS         Code = "MISSING_IN_BSS"
	CodeAmountMismatch       Code = "AMOUNT_MISMATCH"
	CodeNegativeDailyCost    Code = "NEGATIVE_DAILY_COST"
	CodeExcessiveDiscount    Code = "EXCESSIVE_DISCOUNT"
	CodeCalculationError     Code = "CALCULATION_ERROR"
	CodeTotalMismatch        Code = "TOTAL_MISMATCH"
	CodeUnconvertibleItem    Code = "UNCONVERTIBLE_ITEM"
)

// NoIndex marks an issue that is not bound to a single item.
const NoIndex = -1

// Issue is a single validation finding.
type Issue struct {
	Level      Level  `json:"level"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Index      int    `json:"index"`
}

func (i Issue) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", i.Level, i.Code, i.Message)
	if i.Index != NoIndex {
		fmt.Fprintf(&b, " (item %d)", i.Index)
	}
	return b.String()
}

// Result collects issues. IsValid is true until the first error-level issue
// is added and never returns to true afterwards.
type Result struct {
	IsValid      bool    `json:"is_valid"`
	ErrorCount   int     `json:"error_count"`
	WarningCount int     `json:"warning_count"`
	InfoCount    int     `json:"info_count"`
	Issues       []Issue `json:"issues"`
}

// NewResult returns an empty, valid result.
func NewResult() *Result {
	return &Result{IsValid: true, Issues: []Issue{}}
}

// Add appends an issue and updates the counters.
func (r *Result) Add(issue Issue) {
	switch issue.Level {
	case LevelError:
		r.ErrorCount++
		r.IsValid = false
	case LevelWarning:
		r.WarningCount++
	default:
		r.InfoCount++
	}
	r.Issues = append(r.Issues, issue)
}

// Merge appends every issue of other.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for _, issue := range other.Issues {
		r.Add(issue)
	}
}

// Summary counts issues by code.
func (r *Result) Summary() map[Code]int {
	summary := make(map[Code]int)
	for _, issue := range r.Issues {
		summary[issue.Code]++
	}
	return summary
}

// HasErrorAt reports whether the item at index carries an error-level issue.
func (r *Result) HasErrorAt(index int) bool {
	for _, issue := range r.Issues {
		if issue.Index == index && issue.Level == LevelError {
			return true
		}
	}
	return false
}

// Filter returns the issues at the given level.
func (r *Result) Filter(level Level) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Level == level {
			out = append(out, issue)
		}
	}
	return out
}

// Codes returns the distinct codes present, sorted.
func (r *Result) Codes() []Code {
	summary := r.Summary()
	codes := make([]Code, 0, len(summary))
	for code := range summary {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
