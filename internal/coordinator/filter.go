package coordinator

import (
	"strings"
)

// LogFilter removes noise from child output before the coordinator logs it.
type LogFilter struct {
	// StatusMarker is the prefix of the trailing status line some farm
	// agents append to stdout. Empty disables stripping.
	StatusMarker string

	// IncludeFlag enables IncludeNote filtering when present in argv.
	IncludeFlag string

	// IncludeNote is the prefix of header-dependency diagnostic lines.
	IncludeNote string
}

// DefaultLogFilter matches MSVC's /showIncludes output and the
// "#farm-status" trailer.
func DefaultLogFilter() LogFilter {
	return LogFilter{
		StatusMarker: "#farm-status",
		IncludeFlag:  "/showIncludes",
		IncludeNote:  "Note: including file:",
	}
}

// Apply returns stdout with the trailing status line removed and, when argv
// requests header diagnostics, without the diagnostic lines.
func (f LogFilter) Apply(argv []string, stdout string) string {
	out := f.stripStatus(stdout)
	if f.IncludeFlag == "" || f.IncludeNote == "" || !hasArg(argv, f.IncludeFlag) {
		return out
	}

	lines := strings.SplitAfter(out, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), f.IncludeNote) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "")
}

func (f LogFilter) stripStatus(stdout string) string {
	if f.StatusMarker == "" {
		return stdout
	}
	trimmed := strings.TrimRight(stdout, "\r\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]
	if !strings.HasPrefix(strings.TrimSpace(last), f.StatusMarker) {
		return stdout
	}
	return trimmed[:idx+1]
}

func hasArg(argv []string, flag string) bool {
	for _, a := range argv {
		if strings.EqualFold(a, flag) {
			return true
		}
		// Accept the dash spelling of slash flags.
		if strings.HasPrefix(flag, "/") && strings.EqualFold(a, "-"+flag[1:]) {
			return true
		}
	}
	return false
}
