// Package tools provides the tool catalog for the agent core: canonical
// naming, descriptor registry with JSON Schema validation, manifest loading,
// and dispatch to per-server invokers. Workflow pseudo-tools share the
// catalog's naming helpers but are synthesized by the workflow runtime and
// never dispatched here.
package tools

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// NamespaceSep separates the server namespace from the local tool name.
// Example: "search__web".
const NamespaceSep = "__"

// WorkflowToolPrefix marks pseudo-tools that dispatch a workflow plugin
// instead of calling an external tool.
const WorkflowToolPrefix = "dispatch_workflow_"

// canonicalName is the grammar every registered tool name must satisfy:
// server__tool, both sides lowercase snake case.
var canonicalName = regexp.MustCompile(`^[a-z][a-z0-9_]*__[a-z][a-z0-9_]*$`)

// ValidateName checks name against the canonical server__tool grammar.
func ValidateName(name string) error {
	if !canonicalName.MatchString(name) {
		return fmt.Errorf("tool name %q does not match %s", name, canonicalName.String())
	}
	return nil
}

// ParseName splits a qualified tool name on the first NamespaceSep.
// "search__web" → ("search", "web"); "web" → ("", "web").
func ParseName(name string) (namespace, localName string) {
	ns, local, found := strings.Cut(name, NamespaceSep)
	if !found {
		return "", name
	}
	return ns, local
}

// QualifyName joins a namespace and local name with NamespaceSep.
func QualifyName(namespace, localName string) string {
	if namespace == "" {
		return localName
	}
	return namespace + NamespaceSep + localName
}

// CanonicalID converts a plugin or tool identifier to lowercase snake case:
// hyphens become underscores and camelCase boundaries are split. Characters
// outside [a-z0-9_] after lowering are mapped to underscores; runs collapse.
func CanonicalID(id string) string {
	var b strings.Builder
	runes := []rune(id)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	// Collapse runs of underscores and trim the ends.
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '_' })
	return strings.Join(parts, "_")
}

// WorkflowToolName returns the pseudo-tool name advertising pluginID to the
// model.
func WorkflowToolName(pluginID string) string {
	return WorkflowToolPrefix + CanonicalID(pluginID)
}

// IsWorkflowTool reports whether name addresses a workflow pseudo-tool.
func IsWorkflowTool(name string) bool {
	return strings.HasPrefix(name, WorkflowToolPrefix) && len(name) > len(WorkflowToolPrefix)
}

// WorkflowToolKey strips the pseudo-tool prefix, returning the canonical
// plugin key, or false when name is not a workflow pseudo-tool.
func WorkflowToolKey(name string) (string, bool) {
	if !IsWorkflowTool(name) {
		return "", false
	}
	return strings.TrimPrefix(name, WorkflowToolPrefix), true
}
