// Package secrets detects and redacts credentials using gitleaks.
//
// Tool input is redacted before it leaves the process as a tool_use event
// or an approval question summary. Redaction markers keep the rule ID so
// a reviewer can still see what kind of value was hidden.
package secrets
