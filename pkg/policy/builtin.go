package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		stageAccessPolicy(),
		scopeNamingPolicy(),
	}
}

// stageAccessPolicy restricts which stage scopes each execution
// profile may enter. The ci profile is confined to preview stages and
// the production profile to the production stage; every other profile
// is unrestricted.
func stageAccessPolicy() Policy {
	return Policy{
		Name:        "stage-access",
		Description: "Restricts stage scope access per execution profile",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"stages", "profiles"},
		LoadedAt:    time.Now(),
		Rego: `package scopekeeper.policies.stages

import rego.v1

deny contains violation if {
	input.profile == "ci"
	input.stage
	not startswith(input.stage, "preview-")
	violation := {
		"message": sprintf("profile ci may only enter preview-* stages, not %q", [input.stage]),
		"severity": "error",
	}
}

deny contains violation if {
	input.profile == "production"
	input.stage
	input.stage != "production"
	violation := {
		"message": sprintf("profile production may only enter the production stage, not %q", [input.stage]),
		"severity": "error",
	}
}
`,
	}
}

// scopeNamingPolicy enforces the scope name grammar: lowercase
// alphanumerics and hyphens, no leading or trailing hyphen.
func scopeNamingPolicy() Policy {
	return Policy{
		Name:        "scope-naming",
		Description: "Enforces scope naming conventions",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		LoadedAt:    time.Now(),
		Rego: `package scopekeeper.policies.naming

import rego.v1

deny contains violation if {
	input.stage
	not regex.match("^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$", input.stage)
	violation := {
		"message": sprintf("stage name %q must be lowercase alphanumerics and hyphens", [input.stage]),
		"severity": "error",
	}
}
`,
	}
}
