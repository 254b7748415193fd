// Package path implements the hierarchical label path primitive (C1):
// parsing, composition, and descent-match against wildcard patterns.
package path

import (
	"fmt"
	"strings"

	"github.com/glenn-edgar/kbcore/pkg/kberrors"
)

// Separator joins rendered labels.
const Separator = "."

// OneWildcard matches exactly one label.
const OneWildcard = "*"

// ManyWildcard matches one-or-more labels, greedily, and must be the
// final token in a pattern.
const ManyWildcard = ">"

// Path is an ordered, non-empty sequence of validated labels.
type Path struct {
	labels []string
}

// Labels returns a copy of the underlying label sequence.
func (p Path) Labels() []string {
	out := make([]string, len(p.labels))
	copy(out, p.labels)
	return out
}

// String renders the path with Separator.
func (p Path) String() string {
	return strings.Join(p.labels, Separator)
}

// Len returns the number of labels.
func (p Path) Len() int { return len(p.labels) }

// Equal reports whether two paths have identical label sequences.
func (p Path) Equal(other Path) bool {
	if len(p.labels) != len(other.labels) {
		return false
	}
	for i, l := range p.labels {
		if l != other.labels[i] {
			return false
		}
	}
	return true
}

// Child returns a new Path with label appended. It does not validate
// label; callers composing paths from already-validated segments
// should prefer Compose.
func (p Path) Child(label string) Path {
	out := make([]string, len(p.labels)+1)
	copy(out, p.labels)
	out[len(p.labels)] = label
	return Path{labels: out}
}

func isLabelStart(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_'
}

func isLabelRune(c byte) bool {
	return isLabelStart(c) || (c >= '0' && c <= '9')
}

// ValidLabel reports whether s is a well-formed single path label:
// non-empty, starting with a letter or underscore, followed by
// letters, digits, or underscores.
func ValidLabel(s string) bool {
	if len(s) == 0 {
		return false
	}
	if !isLabelStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isLabelRune(s[i]) {
			return false
		}
	}
	return true
}

// Parse splits s on Separator and validates every label, failing with
// kberrors.InvalidArgument if any label is empty, starts with a digit,
// or contains a character outside [A-Za-z0-9_].
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, kberrors.New(kberrors.InvalidArgument, "path.parse", errParseErr("empty path"))
	}
	parts := strings.Split(s, Separator)
	for _, label := range parts {
		if !ValidLabel(label) {
			return Path{}, kberrors.New(kberrors.InvalidArgument, "path.parse", errParseErr("invalid label %q in %q", label, s))
		}
	}
	return Path{labels: parts}, nil
}

// Valid reports whether s would parse successfully.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Compose builds a Path from already-split labels, validating each.
func Compose(labels ...string) (Path, error) {
	if len(labels) == 0 {
		return Path{}, kberrors.New(kberrors.InvalidArgument, "path.compose", errParseErr("no labels given"))
	}
	out := make([]string, len(labels))
	for i, label := range labels {
		if !ValidLabel(label) {
			return Path{}, kberrors.New(kberrors.InvalidArgument, "path.compose", errParseErr("invalid label %q", label))
		}
		out[i] = label
	}
	return Path{labels: out}, nil
}

// Ancestor returns the path truncated to its first n labels.
func Ancestor(p Path, n int) (Path, error) {
	if n <= 0 || n > len(p.labels) {
		return Path{}, kberrors.New(kberrors.InvalidArgument, "path.ancestor", errParseErr("n=%d out of range for path of length %d", n, len(p.labels)))
	}
	out := make([]string, n)
	copy(out, p.labels[:n])
	return Path{labels: out}, nil
}

// Descendants returns the descent-match pattern string "<p>.>" that
// matches p itself is excluded — it matches any one-or-more-label
// extension of p.
func Descendants(p Path) string {
	return p.String() + Separator + ManyWildcard
}

// Matches implements descent-match semantics for a compiled pattern
// string against a concrete path: '*' consumes exactly one label,
// '>' consumes one-or-more labels and must be the final pattern
// token, and any other token must match the corresponding label
// exactly. Comparison is case-sensitive.
func Matches(p Path, pattern string) bool {
	patternTokens := strings.Split(pattern, Separator)
	return matchTokens(p.labels, patternTokens)
}

func matchTokens(labels, tokens []string) bool {
	for i, tok := range tokens {
		if tok == ManyWildcard {
			// Many-wildcard must be last and requires at least one
			// remaining label.
			if i != len(tokens)-1 {
				return false
			}
			return len(labels) >= 1
		}
		if len(labels) == 0 {
			return false
		}
		if tok == OneWildcard {
			labels = labels[1:]
			continue
		}
		if tok != labels[0] {
			return false
		}
		labels = labels[1:]
	}
	// All pattern tokens consumed; path must be fully consumed too
	// (no many-wildcard to absorb extras).
	return len(labels) == 0
}

type parseErr struct{ msg string }

func (e parseErr) Error() string { return e.msg }

func errParseErr(format string, args ...interface{}) error {
	return parseErr{msg: fmt.Sprintf(format, args...)}
}
