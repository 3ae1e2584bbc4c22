package orchestrator

import (
	"strings"
)

// DefaultAllowedTools is the tool allowlist passed to the child when none
// is configured.
var DefaultAllowedTools = []string{"Bash", "Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "Task"}

// credentialVars are stripped from the child environment so the CLI falls
// back to its own stored login.
var credentialVars = map[string]struct{}{
	"ANTHROPIC_API_KEY":       {},
	"ANTHROPIC_AUTH_TOKEN":    {},
	"CLAUDE_API_KEY":          {},
	"CLAUDE_CODE_OAUTH_TOKEN": {},
	"OPENAI_API_KEY":          {},
}

// Invocation is everything needed to build one child command line.
type Invocation struct {
	Binary       string
	Prompt       string
	AllowedTools []string
	// ResumeToken, when set, continues an earlier task.
	ResumeToken string
	ExtraArgs   []string
}

// BuildArgs returns the child argv, binary first.
func BuildArgs(inv Invocation) []string {
	args := []string{
		inv.Binary,
		"-p", inv.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	if inv.ResumeToken != "" {
		args = append(args, "--resume", inv.ResumeToken)
	}
	args = append(args, inv.ExtraArgs...)
	return append(args, "--dangerously-skip-permissions")
}

// ChildEnv copies environ without inherited API credentials.
func ChildEnv(environ []string) []string {
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if _, drop := credentialVars[key]; drop {
			continue
		}
		env = append(env, kv)
	}
	return env
}
