package launch

import (
	"fmt"
	"strings"

	"github.com/routecodex/launcher/internal/config"
)

// cleanExitCodes are never retried: 0 is success, 130/143 are SIGINT/SIGTERM
// deaths the user asked for.
var cleanExitCodes = []int{0, 130, 143}

// BuildClientCommand renders the env-diff plus client invocation as one shell
// command, every token individually quoted.
func BuildClientCommand(diff EnvDiff, bin string, args []string) string {
	tokens := make([]string, 0, 1+2*len(diff.Unset)+len(diff.Set)+1+len(args))
	if len(diff.Set) > 0 || len(diff.Unset) > 0 {
		tokens = append(tokens, "env")
		for _, key := range diff.Unset {
			tokens = append(tokens, "-u", key)
		}
		for _, v := range diff.Set {
			tokens = append(tokens, v.Key+"="+v.Value)
		}
	}
	tokens = append(tokens, bin)
	tokens = append(tokens, args...)

	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		// Bare env and -u read better and are quote-safe anyway.
		if tok == "env" || tok == "-u" {
			quoted[i] = tok
			continue
		}
		quoted[i] = quoteShellArg(tok)
	}
	return strings.Join(quoted, " ")
}

// BuildInjectedLine produces the full line sent into the pane: a cd into the
// working directory followed by either the bare client command or the
// self-heal restart loop around it.
func BuildInjectedLine(cwd, command string, policy config.SelfHealPolicy) string {
	prefix := "cd " + quoteShellArg(cwd) + " && "
	if !policy.Enabled {
		return prefix + command
	}
	return prefix + buildSelfHealLoop(command, policy)
}

// buildSelfHealLoop wraps command in a bounded shell restart loop. Clean exit
// codes break out immediately; anything else retries up to MaxRetries with a
// delay, always preserving the last exit code.
func buildSelfHealLoop(command string, policy config.SelfHealPolicy) string {
	cleanChecks := make([]string, len(cleanExitCodes))
	for i, code := range cleanExitCodes {
		cleanChecks[i] = fmt.Sprintf("[ $RCX_EXIT -eq %d ]", code)
	}
	return fmt.Sprintf(
		"RCX_RETRIES=0; while true; do %s; RCX_EXIT=$?; "+
			"if %s; then exit $RCX_EXIT; fi; "+
			"if [ $RCX_RETRIES -ge %d ]; then exit $RCX_EXIT; fi; "+
			"RCX_RETRIES=$((RCX_RETRIES+1)); "+
			"echo \"[rcxlaunch] client exited with code $RCX_EXIT, restart $RCX_RETRIES/%d\" >&2; "+
			"sleep %d; done",
		command,
		strings.Join(cleanChecks, " || "),
		policy.MaxRetries,
		policy.MaxRetries,
		policy.RetryDelaySec,
	)
}
