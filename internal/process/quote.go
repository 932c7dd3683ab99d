package process

import (
	"fmt"
	"runtime"
	"strings"
)

// Dialect selects the shell quoting rules used to render command lines.
type Dialect int

const (
	DialectPOSIX Dialect = iota
	DialectWindows
	DialectGeneric
)

// DefaultDialect picks the dialect of the running platform.
func DefaultDialect() Dialect {
	switch runtime.GOOS {
	case "windows":
		return DialectWindows
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly",
		"solaris", "illumos", "aix", "android", "ios":
		return DialectPOSIX
	default:
		return DialectGeneric
	}
}

// ParseDialect accepts auto, posix, windows or generic.
func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return DefaultDialect(), nil
	case "posix":
		return DialectPOSIX, nil
	case "windows":
		return DialectWindows, nil
	case "generic":
		return DialectGeneric, nil
	default:
		return DialectGeneric, fmt.Errorf("unsupported quoting dialect %q", value)
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectPOSIX:
		return "posix"
	case DialectWindows:
		return "windows"
	default:
		return "generic"
	}
}

var (
	posixEscaper   = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
	windowsEscaper = strings.NewReplacer(`^`, `^^`, `"`, `^"`, `%`, `^%`)
)

// Quote renders a single argument so that pasting it into a shell of the
// dialect yields the same argument back.
func (d Dialect) Quote(s string) string {
	if s == "" {
		return `""`
	}
	switch d {
	case DialectPOSIX:
		if !strings.ContainsAny(s, `$\`) {
			if !strings.Contains(s, " ") {
				return s
			}
			if !strings.Contains(s, `"`) {
				return `"` + s + `"`
			}
		}
		if !strings.Contains(s, "'") {
			return "'" + s + "'"
		}
		return `"` + posixEscaper.Replace(s) + `"`
	case DialectWindows:
		if !strings.ContainsAny(s, "%^") {
			if !strings.ContainsAny(s, ` \`) {
				return s
			}
			if !strings.Contains(s, `"`) {
				return `"` + s + `"`
			}
		}
		return `"` + windowsEscaper.Replace(s) + `"`
	default:
		return `"` + s + `"`
	}
}

// NormalizeCmdline collapses a command line the OS reported as a single
// NUL-separated blob. Trailing NUL padding is dropped.
func NormalizeCmdline(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	parts := strings.Split(strings.Trim(strings.Join(args, "\x00"), "\x00"), "\x00")
	if len(parts) == 1 || len(args) == 1 {
		return parts
	}
	out := make([]string, len(args))
	copy(out, args)
	return out
}

// FormatCommand renders an argument vector as one shell line. A vector
// that normalizes to a single token is returned verbatim.
func (d Dialect) FormatCommand(args []string) string {
	normalized := NormalizeCmdline(args)
	switch len(normalized) {
	case 0:
		return ""
	case 1:
		return normalized[0]
	}
	quoted := make([]string, len(normalized))
	for i, arg := range normalized {
		quoted[i] = d.Quote(arg)
	}
	return strings.Join(quoted, " ")
}
