package constraint

import (
	"fmt"
	"strings"
)

// Kind identifies how a constraint's payload is matched against a token.
type Kind string

const (
	KindForbidSubstring Kind = "FORBID_SUBSTRING"
	KindForbidPattern   Kind = "FORBID_PATTERN"
	KindRequirePattern  Kind = "REQUIRE_PATTERN"
	KindCustomPredicate Kind = "CUSTOM_PREDICATE"
)

// Kinds lists every recognized kind in declaration order.
var Kinds = []Kind{KindForbidSubstring, KindForbidPattern, KindRequirePattern, KindCustomPredicate}

// ParseKind resolves a kind name. Matching is case-insensitive but otherwise exact.
func ParseKind(s string) (Kind, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, k := range Kinds {
		if string(k) == upper {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown constraint kind %q", s)
}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// UnmarshalText makes kinds case-insensitive in both YAML profiles and JSON
// RPC params.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
