// Package policy gates scope access with Rego policies evaluated
// through OPA. The builtin stage-access policy confines the ci profile
// to preview stages and the production profile to the production
// stage; custom .rego files can be loaded alongside the builtins.
package policy
