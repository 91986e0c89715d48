package launch

import "strings"

// quoteShellArg wraps s in single quotes, doubling any embedded single quote.
// This mirrors the quoting discipline the injected command lines have always
// used; keep it byte-for-byte stable, the receiving shells depend on it.
func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// quoteAll quotes every argument and joins with spaces.
func quoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteShellArg(a)
	}
	return strings.Join(quoted, " ")
}
