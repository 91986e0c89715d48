// Package launch builds the client command line, delivers it into a bound
// tmux pane (or spawns the client directly), and supervises the child through
// shutdown.
package launch

import (
	"sort"
	"strings"
)

// EnvVar is one set entry of an EnvDiff.
type EnvVar struct {
	Key   string
	Value string
}

// EnvDiff is the minimal transformation from the ambient environment to the
// one the client needs. Computing a diff instead of exporting everything
// keeps unrelated variables out of a shared shell.
type EnvDiff struct {
	Set   []EnvVar
	Unset []string
}

// DiffEnv computes the diff from ambient ("K=V" entries, os.Environ form) to
// the desired overrides, plus an explicit drop list for variables that must
// not leak into the client.
func DiffEnv(ambient []string, want map[string]string, drop []string) EnvDiff {
	current := make(map[string]string, len(ambient))
	for _, kv := range ambient {
		if i := strings.IndexByte(kv, '='); i > 0 {
			current[kv[:i]] = kv[i+1:]
		}
	}

	var diff EnvDiff
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if cur, ok := current[k]; !ok || cur != want[k] {
			diff.Set = append(diff.Set, EnvVar{Key: k, Value: want[k]})
		}
	}
	for _, k := range drop {
		if _, wanted := want[k]; wanted {
			continue
		}
		if _, ok := current[k]; ok {
			diff.Unset = append(diff.Unset, k)
		}
	}
	sort.Strings(diff.Unset)
	return diff
}

// Apply replays the diff over ambient and returns the resulting environment
// as a map. Used to verify the round-trip property.
func (d EnvDiff) Apply(ambient []string) map[string]string {
	out := make(map[string]string, len(ambient))
	for _, kv := range ambient {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	for _, k := range d.Unset {
		delete(out, k)
	}
	for _, v := range d.Set {
		out[v.Key] = v.Value
	}
	return out
}
