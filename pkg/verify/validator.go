package verify

import (
	"fmt"
	"strings"

	"github.com/panll/ensaid/pkg/constraint"
)

const violationPrefix = "Constraint violation detected: "

// Validate evaluates tok against set in declared order and returns the first
// violation, or an ACCEPTED verdict when every constraint is satisfied.
// Validate has no side effects and is safe for concurrent use.
func Validate(tok Token, set *constraint.Set) Verdict {
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		if ok, explanation := check(c, tok.Content); !ok {
			return Verdict{
				Status:      StatusRejected,
				Token:       tok,
				Violated:    c,
				Index:       i,
				Explanation: explanation,
			}
		}
	}
	return Verdict{Status: StatusAccepted, Token: tok, Index: -1}
}

// check returns false and an explanation when content violates c.
func check(c *constraint.Constraint, content string) (bool, string) {
	switch c.Kind() {
	case constraint.KindForbidSubstring:
		if strings.Contains(content, c.Payload()) {
			return false, violationPrefix + c.Label()
		}
		return true, ""

	case constraint.KindForbidPattern:
		re := c.Pattern()
		if re == nil {
			return false, violationPrefix + fmt.Sprintf("pattern %q was never compiled", c.Payload())
		}
		if re.MatchString(content) {
			return false, violationPrefix + fmt.Sprintf("forbidden pattern %s", c.Label())
		}
		return true, ""

	case constraint.KindRequirePattern:
		re := c.Pattern()
		if re == nil {
			return false, violationPrefix + fmt.Sprintf("pattern %q was never compiled", c.Payload())
		}
		if !re.MatchString(content) {
			return false, violationPrefix + fmt.Sprintf("required pattern %s not found", c.Label())
		}
		return true, ""

	case constraint.KindCustomPredicate:
		p := c.Predicate()
		if p == nil {
			// Fail closed.
			return false, violationPrefix + fmt.Sprintf("unregistered predicate %s", c.Payload())
		}
		if !runPredicate(p, content) {
			return false, violationPrefix + fmt.Sprintf("predicate %s", c.Label())
		}
		return true, ""

	default:
		return false, violationPrefix + fmt.Sprintf("unknown constraint kind %q", c.Kind())
	}
}

// runPredicate treats a panicking predicate as a violation.
func runPredicate(p constraint.Predicate, content string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return p(content)
}
