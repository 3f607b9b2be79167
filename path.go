package kvdoc

import (
	"regexp"
	"strconv"
	"strings"
)

// parsePath splits a dot-separated path into its segments. The empty
// string addresses the root and parses to zero segments. Whether a
// given segment is used as an object key or an array index is decided
// at traversal time by the kind of the node it addresses (see getAt,
// setAt and deleteAt in opget.go, opset.go and opdelete.go);
// parsePath only tokenizes and rejects malformed paths.
//
// Dot is the only separator; there is no escape mechanism, so keys
// containing "." are simply unreachable by path (see SPEC_FULL.md's
// Open Question resolutions).
func parsePath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, pathErrf(path, "empty segment")
		}
	}
	return segs, nil
}

var numericSegmentRe = regexp.MustCompile(`^\d+$`)

// isArrayIndex reports whether seg looks like a non-negative integer,
// and if so returns its value. Segments are only interpreted as array
// indices when the node being addressed is itself an Array.
func isArrayIndex(seg string) (int, bool) {
	if !numericSegmentRe.MatchString(seg) {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

func joinPath(segs []string) string {
	return strings.Join(segs, ".")
}

// wildcardMatch implements the subscription pattern language: "*"
// matches exactly one segment, "**" matches any number of remaining
// segments (including zero), and any other token must match the
// corresponding segment literally. Only used for the subscriber and
// before/after hook patterns in subscribe.go — data paths never
// contain wildcards.
func wildcardMatch(pattern, path string) bool {
	pat, err := parsePathPattern(pattern)
	if err != nil {
		return false
	}
	segs, err := parsePath(path)
	if err != nil {
		return false
	}
	return matchSegments(pat, segs)
}

func parsePathPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	return strings.Split(pattern, "."), nil
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	head := pat[0]
	if head == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if head != "*" && head != segs[0] {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}
