// Package path implements canonicalization of file paths observed by the
// sandbox's host interceptors. A canonicalized path records enough of its
// original form (via a type tag) to be reported back to the build engine in
// the same style it was requested, while also exposing a normalized,
// separator-clean form suitable for walking the FAM policy trie.
package path

import (
	"fmt"
	"os"
	"os/user"
	"regexp"
	"runtime"
	"strings"
)

// Type identifies the syntactic form a path was observed in.
type Type uint8

const (
	// TypeWin32 is an ordinary Win32 path (drive-letter or UNC), e.g. "C:\src\a.h".
	TypeWin32 Type = iota
	// TypeWin32Nt is a Win32 file namespace path, e.g. `\\?\C:\src\a.h`.
	TypeWin32Nt
	// TypeLocalDevice is a local device path, e.g. `\\.\PIPE\foo`.
	TypeLocalDevice
	// TypeNt is an NT native path, e.g. `\??\C:\src\a.h`.
	TypeNt
	// TypePosix is a POSIX path, e.g. "/src/a.h".
	TypePosix
	// TypeNull represents a path whose canonical form could not be computed.
	TypeNull
)

// String renders the type for diagnostics.
func (t Type) String() string {
	switch t {
	case TypeWin32:
		return "Win32"
	case TypeWin32Nt:
		return "Win32Nt"
	case TypeLocalDevice:
		return "LocalDevice"
	case TypeNt:
		return "Nt"
	case TypePosix:
		return "Posix"
	case TypeNull:
		return "Null"
	default:
		return "Unknown"
	}
}

// prefix associates a literal path prefix with the type tag it denotes. Order
// matters only in that all three are mutually distinguishable by their first
// four bytes, so a single pass suffices.
type prefix struct {
	literal string
	typ     Type
}

var recognizedPrefixes = []prefix{
	{`\\?\`, TypeWin32Nt},
	{`\??\`, TypeNt},
	{`\\.\`, TypeLocalDevice},
}

var driveAbsolute = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// Path is an immutable, canonicalized path value. The zero Path is an empty
// TypeWin32 path, not the Null path; the Null path is the Null variable.
type Path struct {
	typ   Type
	value string // canonical form, without any recognized type prefix
}

// Null is the canonical Null path, returned whenever canonicalization cannot
// determine a path's full form.
var Null = Path{typ: TypeNull}

// Type returns the path's type tag.
func (p Path) Type() Type {
	return p.typ
}

// IsNull reports whether this is the Null path.
func (p Path) IsNull() bool {
	return p.typ == TypeNull
}

// prefixLiteral returns the literal prefix string for types that carry one.
func (t Type) prefixLiteral() string {
	for _, pr := range recognizedPrefixes {
		if pr.typ == t {
			return pr.literal
		}
	}
	return ""
}

// separator returns the canonical separator used for this path's type.
func (t Type) separator() byte {
	if t == TypePosix {
		return '/'
	}
	return '\\'
}

// GetPathStringWithoutTypePrefix returns the normalized path string with any
// recognized type prefix stripped. This is the form used to walk the FAM
// policy trie.
func (p Path) GetPathStringWithoutTypePrefix() string {
	return p.value
}

// String returns the path in reporting form: the recognized type prefix (if
// any) followed by the canonical path string.
func (p Path) String() string {
	if p.typ == TypeNull {
		return ""
	}
	return p.typ.prefixLiteral() + p.value
}

// GetLastComponent returns the final path component, or an empty string for
// a root or Null path.
func (p Path) GetLastComponent() string {
	if p.typ == TypeNull || p.value == "" {
		return ""
	}
	sep := p.typ.separator()
	if idx := strings.LastIndexByte(p.value, sep); idx >= 0 {
		return p.value[idx+1:]
	}
	return p.value
}

// splitComponents splits a path body on both Windows and POSIX separators, so
// that canonicalization is deterministic independent of the host OS running
// the core.
func splitComponents(body string) []string {
	body = strings.ReplaceAll(body, "/", "\\")
	raw := strings.Split(body, "\\")
	components := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// normalizeComponents removes "." components and resolves ".." components
// against whatever components precede them (dropping excess ".." at the
// root rather than erroring, matching common path-normalization practice).
func normalizeComponents(components []string) []string {
	result := make([]string, 0, len(components))
	for _, c := range components {
		switch c {
		case ".":
			continue
		case "..":
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, c)
		}
	}
	return result
}

func joinComponents(components []string, sep byte) string {
	return strings.Join(components, string(sep))
}

// Canonicalize computes the canonical form of input. Recognized prefixes are
// preserved as a type tag without further normalization of their remainder.
// Unprefixed paths are resolved to a full path (expanding "~" and resolving
// relative paths against the working directory; symlinks are not evaluated) and
// then re-examined to see whether the resolved form is itself a local-device
// path. Inputs that cannot be resolved, including the empty string, yield
// Null.
func Canonicalize(input string) Path {
	if input == "" {
		return Null
	}

	for _, pr := range recognizedPrefixes {
		if strings.HasPrefix(input, pr.literal) {
			return Path{typ: pr.typ, value: strings.TrimPrefix(input, pr.literal)}
		}
	}

	// Detect the syntactic flavor so we normalize with the right separator
	// and drive/UNC handling, independent of runtime.GOOS.
	switch {
	case driveAbsolute.MatchString(input), strings.HasPrefix(input, `\\`):
		return canonicalizeWin32(input)
	case strings.HasPrefix(input, "/"):
		return canonicalizePosix(input)
	default:
		// Relative or ambiguous: resolve against the real OS to decide, the
		// same way the host would see it.
		return canonicalizeRelative(input)
	}
}

func canonicalizeWin32(input string) Path {
	components := normalizeComponents(splitComponents(input))
	value := joinComponents(components, '\\')
	// An unprefixed UNC path of the form \\.\ is syntactically identical to
	// a local-device path; re-tag it accordingly.
	if strings.HasPrefix(input, `\\.\`) {
		return Path{typ: TypeLocalDevice, value: strings.TrimPrefix(input, `\\.\`)}
	}
	return Path{typ: TypeWin32, value: value}
}

func canonicalizePosix(input string) Path {
	components := normalizeComponents(splitComponents(input))
	return Path{typ: TypePosix, value: "/" + joinComponents(components, '/')}
}

func canonicalizeRelative(input string) Path {
	expanded, err := tildeExpand(input)
	if err != nil {
		return Null
	}

	wd, err := os.Getwd()
	if err != nil {
		return Null
	}

	var joined string
	if strings.HasPrefix(expanded, "~") {
		return Null
	}
	if runtime.GOOS == "windows" {
		joined = wd + `\` + expanded
	} else if driveAbsolute.MatchString(expanded) || strings.HasPrefix(expanded, "/") || strings.HasPrefix(expanded, `\`) {
		joined = expanded
	} else {
		joined = wd + "/" + expanded
	}

	if runtime.GOOS == "windows" || driveAbsolute.MatchString(joined) || strings.Contains(joined, `\`) {
		return canonicalizeWin32(joined)
	}
	return canonicalizePosix(joined)
}

func tildeExpand(p string) (string, error) {
	if len(p) == 0 || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && !os.IsPathSeparator(p[1]) {
		return "", fmt.Errorf("unable to perform user lookup")
	}
	self, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("unable to access user information: %w", err)
	}
	if len(p) == 1 {
		return self.HomeDir, nil
	}
	return self.HomeDir + p[1:], nil
}

// Extend appends suffix as one or more additional path components. Leading
// separators on suffix are treated as already present, so the result always
// has exactly one separator at the join. Extending a prefixed path preserves
// its type tag.
func (p Path) Extend(suffix string) Path {
	if p.typ == TypeNull {
		return Null
	}
	sep := p.typ.separator()
	suffix = strings.TrimLeft(suffix, `\/`)
	if suffix == "" {
		return p
	}
	if p.value == "" || p.value[len(p.value)-1] == sep {
		return Path{typ: p.typ, value: p.value + suffix}
	}
	return Path{typ: p.typ, value: p.value + string(sep) + suffix}
}

// RemoveLastComponent strips the trailing path component, returning the
// parent path. Removing the last component of a root path returns the root
// unchanged.
func (p Path) RemoveLastComponent() Path {
	if p.typ == TypeNull || p.value == "" {
		return p
	}
	sep := p.typ.separator()
	if idx := strings.LastIndexByte(p.value, sep); idx == 0 && p.typ == TypePosix {
		return Path{typ: p.typ, value: "/"}
	} else if idx >= 0 {
		return Path{typ: p.typ, value: p.value[:idx]}
	}
	return Path{typ: p.typ, value: ""}
}

// Components returns the path's normalized components, in order, suitable
// for trie descent. A leading drive designator (such as "C:") and empty
// components are not returned, so the trie root stands for any drive root.
func (p Path) Components() []string {
	if p.typ == TypeNull || p.value == "" {
		return nil
	}
	sep := p.typ.separator()
	var components []string
	for i, c := range strings.Split(p.value, string(sep)) {
		if c == "" || (i == 0 && p.typ != TypePosix && len(c) == 2 && c[1] == ':') {
			continue
		}
		components = append(components, c)
	}
	return components
}
