package policy

import (
	"time"
)

// Severity grades a policy violation.
type Severity string

const (
	// SeverityWarning marks violations that are surfaced but do not
	// block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError marks violations that block the operation.
	SeverityError Severity = "error"
)

// Policy is one named Rego rule set.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// LoadedAt is when the policy was loaded into the engine.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	// Policy is the policy that produced the denial.
	Policy string `json:"policy"`

	// Message is a human-readable denial message.
	Message string `json:"message"`

	// Severity is the denial severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against one
// input.
type Result struct {
	// Allowed is true when no error-severity violation fired.
	Allowed bool `json:"allowed"`

	// Violations lists every denial, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is what policies evaluate against: the profile requesting
// access and the scope it wants.
type Input struct {
	// Profile names the execution profile, e.g. "ci" or "production".
	Profile string `json:"profile"`

	// Stage is the stage scope name being entered.
	Stage string `json:"stage,omitempty"`

	// ScopePath is the full slash-joined scope path.
	ScopePath string `json:"scope_path,omitempty"`

	// Operation is what the caller is about to do, e.g. "enter" or
	// "finalize".
	Operation string `json:"operation,omitempty"`
}
