// Package subject implements the routing-key rules of the transport: pattern
// validation, wildcard-aware overlap checks, and the deterministic names of
// the stream, consumers and queue group derived from a service name.
package subject

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

const (
	tokenSep       = "."
	singleWildcard = "*"
	fullWildcard   = ">"
	durableSuffix  = "-durable"
	groupSuffix    = "-group"
)

// ValidatePattern checks that pattern is a well formed subject: non-empty
// dot-separated tokens, '*' only as a whole token, '>' only as the last token.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errspkg.ErrPatternRequired
	}
	if strings.ContainsAny(pattern, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", errspkg.ErrInvalidPattern, pattern)
	}
	tokens := strings.Split(pattern, tokenSep)
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("%w: %q has an empty token", errspkg.ErrInvalidPattern, pattern)
		case tok == fullWildcard && i != len(tokens)-1:
			return fmt.Errorf("%w: %q uses '>' before the last token", errspkg.ErrInvalidPattern, pattern)
		case tok != singleWildcard && tok != fullWildcard && strings.ContainsAny(tok, "*>"):
			return fmt.Errorf("%w: %q mixes wildcards into a literal token", errspkg.ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Overlaps reports whether some concrete subject could match both a and b.
func Overlaps(a, b string) bool {
	at := strings.Split(a, tokenSep)
	bt := strings.Split(b, tokenSep)
	for i := 0; ; i++ {
		aDone, bDone := i >= len(at), i >= len(bt)
		switch {
		case aDone && bDone:
			return true
		case aDone:
			return false
		case bDone:
			return false
		}
		x, y := at[i], bt[i]
		if x == fullWildcard || y == fullWildcard {
			return true
		}
		if x == singleWildcard || y == singleWildcard || x == y {
			continue
		}
		return false
	}
}

// AnyOverlap returns the first pair (a from as, b from bs) that overlaps.
func AnyOverlap(as, bs []string) (string, string, bool) {
	for _, a := range as {
		for _, b := range bs {
			if Overlaps(a, b) {
				return a, b, true
			}
		}
	}
	return "", "", false
}

// Covers reports whether every subject matched by pattern is also matched by filter.
func Covers(filter, pattern string) bool {
	ft := strings.Split(filter, tokenSep)
	pt := strings.Split(pattern, tokenSep)
	for i, f := range ft {
		if f == fullWildcard {
			return len(pt) > i
		}
		if i >= len(pt) {
			return false
		}
		p := pt[i]
		if p == fullWildcard {
			return false
		}
		if f != singleWildcard && f != p {
			return false
		}
	}
	return len(ft) == len(pt)
}

// Collapse deduplicates patterns, drops those covered by another entry, and
// returns the rest sorted. The result is a valid set of stream subjects.
func Collapse(patterns []string) []string {
	uniq := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		uniq[p] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for p := range uniq {
		covered := false
		for q := range uniq {
			if q != p && Covers(q, p) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether a and b hold the same subjects regardless of order.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]string(nil), a...)
	bc := append([]string(nil), b...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// StreamName returns the durable stream name for a base name.
func StreamName(base string) string {
	return sanitizeName(base) + durableSuffix
}

// ConsumerName returns the consumer name for a durable pattern.
func ConsumerName(durable, pattern string) string {
	return sanitizeName(durable) + "_" + Token(pattern)
}

// QueueGroup returns the queue group shared by all replicas of a service.
func QueueGroup(durable string) string {
	return durable + groupSuffix
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "star", ">", "all")

// Token maps a pattern onto a string that is safe inside consumer and metric
// names. Distinct patterns always get distinct tokens: when the readable form
// could be produced by another pattern, the token carries "~" and a hash of
// the raw pattern.
func Token(pattern string) string {
	readable := tokenReplacer.Replace(pattern)
	if !ambiguous(pattern) {
		return readable
	}
	return fmt.Sprintf("%s~%016x", readable, xxhash.Sum64String(pattern))
}

// ambiguous reports whether the readable token of pattern could be decoded
// back into more than one pattern.
func ambiguous(pattern string) bool {
	if strings.ContainsAny(pattern, "_~") {
		return true
	}
	for _, tok := range strings.Split(pattern, tokenSep) {
		if tok == "star" || tok == "all" {
			return true
		}
	}
	return false
}

func sanitizeName(name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return r.Replace(name)
}
