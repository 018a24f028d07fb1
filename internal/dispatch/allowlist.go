package dispatch

import (
	"path"
	"sort"
	"strings"
)

// AllowList is the frozen set of executable basenames that may be sent to
// the farm. It is read-only after construction and safe for concurrent use.
type AllowList struct {
	names map[string]struct{}
}

// NewAllowList builds an allow-list. Names are matched case-insensitively
// and with or without a trailing ".exe".
func NewAllowList(names ...string) AllowList {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if k := normalizeTool(n); k != "" {
			set[k] = struct{}{}
		}
	}
	return AllowList{names: set}
}

// Contains reports whether the program named by argv0 is allow-listed.
func (a AllowList) Contains(argv0 string) bool {
	_, ok := a.names[normalizeTool(argv0)]
	return ok
}

// Len returns the number of allow-listed tools.
func (a AllowList) Len() int { return len(a.names) }

// Names returns the normalised names in sorted order.
func (a AllowList) Names() []string {
	out := make([]string, 0, len(a.names))
	for n := range a.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// normalizeTool reduces a program path to its lower-case basename without ".exe".
func normalizeTool(p string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.ToLower(base)
	return strings.TrimSuffix(base, ".exe")
}
