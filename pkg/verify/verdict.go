package verify

import (
	"errors"

	"github.com/panll/ensaid/pkg/constraint"
)

// Token is a candidate produced by the inference process. It is a value type
// and never modified after it is observed.
type Token struct {
	Content string `json:"content"`
	Seq     uint64 `json:"seq"`
}

// Status is the outcome of validating a token.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// Verdict is produced for every validated token. Violated and Explanation are
// set only when Status is StatusRejected.
type Verdict struct {
	Status      Status                 `json:"status"`
	Token       Token                  `json:"token"`
	Violated    *constraint.Constraint `json:"-"`
	Index       int                    `json:"index"` // position of Violated in the set, -1 when accepted
	Explanation string                 `json:"explanation,omitempty"`
}

// Accepted reports whether the token passed every constraint.
func (v Verdict) Accepted() bool { return v.Status == StatusAccepted }

// Err returns a *Rejection for rejected verdicts and nil otherwise.
func (v Verdict) Err() error {
	if v.Accepted() {
		return nil
	}
	return &Rejection{Verdict: v}
}

// ErrRejected is matched by every *Rejection.
var ErrRejected = errors.New("validation rejected")

// Rejection is the error form of a rejected verdict. It is an expected
// outcome reported to the caller, not a system fault.
type Rejection struct {
	Verdict Verdict
}

func (r *Rejection) Error() string { return r.Verdict.Explanation }

func (r *Rejection) Is(target error) bool { return target == ErrRejected }
