package verify

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/panll/ensaid/pkg/constraint"
)

func mustSet(t *testing.T, defs ...constraint.Def) *constraint.Set {
	t.Helper()
	reg := constraint.DefaultRegistry()
	reg.MustRegister("panics", func(string) bool { panic("boom") })
	set, err := constraint.NewSet(reg, defs...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func TestValidateRebootScenario(t *testing.T) {
	set, err := constraint.Substrings("reboot", "shutdown")
	if err != nil {
		t.Fatal(err)
	}

	v := Validate(Token{Content: "initiate reboot sequence", Seq: 1}, set)
	if v.Accepted() {
		t.Fatal("expected rejection")
	}
	if v.Explanation != "Constraint violation detected: reboot" {
		t.Errorf("Explanation = %q", v.Explanation)
	}
	if v.Violated != set.At(0) || v.Index != 0 {
		t.Errorf("violated = %v at %d, want first constraint", v.Violated, v.Index)
	}
	if v.Token.Seq != 1 {
		t.Errorf("Token.Seq = %d, want 1", v.Token.Seq)
	}
}

func TestValidateEmptySetAccepts(t *testing.T) {
	for _, set := range []*constraint.Set{nil, mustSet(t)} {
		v := Validate(Token{Content: "anything"}, set)
		if !v.Accepted() {
			t.Fatalf("expected acceptance, got %q", v.Explanation)
		}
		if v.Index != -1 || v.Violated != nil {
			t.Errorf("accepted verdict should carry no violation: %+v", v)
		}
		if v.Err() != nil {
			t.Errorf("Err() = %v, want nil", v.Err())
		}
	}
}

func TestValidateEmptyToken(t *testing.T) {
	set := mustSet(t, constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "x"})
	if v := Validate(Token{}, set); !v.Accepted() {
		t.Errorf("empty token should be accepted: %q", v.Explanation)
	}

	set = mustSet(t, constraint.Def{Kind: constraint.KindForbidPattern, Payload: `^$`})
	if v := Validate(Token{}, set); v.Accepted() {
		t.Error("empty token should be rejected by a pattern that matches empty")
	}

	set = mustSet(t, constraint.Def{Kind: constraint.KindCustomPredicate, Payload: "non_empty"})
	if v := Validate(Token{}, set); v.Accepted() {
		t.Error("empty token should be rejected by non_empty predicate")
	}
}

func TestValidateEmptyPayloadMatchesEverything(t *testing.T) {
	set, err := constraint.Substrings("reboot", "")
	if err != nil {
		t.Fatal(err)
	}
	v := Validate(Token{Content: "initiate reboot sequence"}, set)
	if v.Index != 0 || v.Explanation != "Constraint violation detected: reboot" {
		t.Errorf("first violation should win, got %d %q", v.Index, v.Explanation)
	}
	v = Validate(Token{Content: "hello"}, set)
	if v.Index != 1 || v.Explanation != "Constraint violation detected: " {
		t.Errorf("empty substring should reject, got %d %q", v.Index, v.Explanation)
	}

	set = mustSet(t, constraint.Def{Kind: constraint.KindForbidPattern})
	if v := Validate(Token{Content: "hello"}, set); v.Accepted() {
		t.Error("empty forbid pattern should reject every token")
	}
	set = mustSet(t, constraint.Def{Kind: constraint.KindRequirePattern})
	if v := Validate(Token{}, set); !v.Accepted() {
		t.Errorf("empty require pattern should accept, got %q", v.Explanation)
	}
}

func TestValidateKinds(t *testing.T) {
	tests := []struct {
		name    string
		def     constraint.Def
		content string
		want    bool
		explain string
	}{
		{"substring hit", constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "halt"}, "please halt now", false, "Constraint violation detected: halt"},
		{"substring is case-sensitive", constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "halt"}, "HALT", true, ""},
		{"substring miss", constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "halt"}, "proceed", true, ""},
		{"forbid pattern hit", constraint.Def{Kind: constraint.KindForbidPattern, Payload: `rm\s+-rf`}, "rm  -rf /", false, "forbidden pattern"},
		{"forbid pattern miss", constraint.Def{Kind: constraint.KindForbidPattern, Payload: `rm\s+-rf`}, "ls -la", true, ""},
		{"require pattern satisfied", constraint.Def{Kind: constraint.KindRequirePattern, Payload: `^OK:`}, "OK: done", true, ""},
		{"require pattern missing", constraint.Def{Kind: constraint.KindRequirePattern, Payload: `^OK:`}, "done", false, "required pattern"},
		{"predicate satisfied", constraint.Def{Kind: constraint.KindCustomPredicate, Payload: "single_line"}, "one", true, ""},
		{"predicate violated", constraint.Def{Kind: constraint.KindCustomPredicate, Payload: "single_line", Name: "one-liner"}, "a\nb", false, "predicate one-liner"},
		{"panicking predicate fails closed", constraint.Def{Kind: constraint.KindCustomPredicate, Payload: "panics"}, "x", false, "predicate panics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(Token{Content: tt.content}, mustSet(t, tt.def))
			if v.Accepted() != tt.want {
				t.Fatalf("Accepted = %v, want %v (%q)", v.Accepted(), tt.want, v.Explanation)
			}
			if !tt.want && !strings.Contains(v.Explanation, tt.explain) {
				t.Errorf("Explanation = %q, want it to contain %q", v.Explanation, tt.explain)
			}
		})
	}
}

func TestValidateFirstViolationWins(t *testing.T) {
	set := mustSet(t,
		constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "alpha"},
		constraint.Def{Kind: constraint.KindRequirePattern, Payload: `^zzz`},
		constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "beta"},
		constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "gamma"},
	)

	tests := []struct {
		content string
		index   int
	}{
		{"zzz beta gamma", 2},
		{"zzz gamma", 3},
		{"alpha beta", 0},
		{"beta", 1},
		{"zzz clean", -1},
	}
	for _, tt := range tests {
		v := Validate(Token{Content: tt.content}, set)
		if v.Index != tt.index {
			t.Errorf("%q: Index = %d, want %d", tt.content, v.Index, tt.index)
		}
		if tt.index >= 0 && v.Violated != set.At(tt.index) {
			t.Errorf("%q: wrong violated constraint", tt.content)
		}
	}
}

func TestValidateIdempotent(t *testing.T) {
	set := mustSet(t,
		constraint.Def{Kind: constraint.KindForbidPattern, Payload: `\d{3}`},
		constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "x"},
	)
	tok := Token{Content: "call 555 x", Seq: 7}

	first := Validate(tok, set)
	second := Validate(tok, set)
	if first != second {
		t.Errorf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestValidateZeroConstraintFailsClosed(t *testing.T) {
	// A Constraint not produced by NewSet has no kind and must never be
	// treated as satisfied.
	ok, explanation := check(&constraint.Constraint{}, "anything")
	if ok {
		t.Fatal("zero constraint should fail closed")
	}
	if explanation == "" {
		t.Error("expected an explanation")
	}
}

func TestValidateConcurrent(t *testing.T) {
	set := mustSet(t,
		constraint.Def{Kind: constraint.KindForbidSubstring, Payload: "bad"},
		constraint.Def{Kind: constraint.KindCustomPredicate, Payload: "balanced_brackets"},
	)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := "fine (ok)"
			if i%2 == 0 {
				content = "bad input"
			}
			v := Validate(Token{Content: content, Seq: uint64(i)}, set)
			if v.Accepted() == (i%2 == 0) {
				t.Errorf("token %d: unexpected verdict %+v", i, v)
			}
		}(i)
	}
	wg.Wait()
}

func TestRejectionError(t *testing.T) {
	set, _ := constraint.Substrings("boom")
	err := Validate(Token{Content: "boom"}, set).Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrRejected) {
		t.Error("rejection should match ErrRejected")
	}
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %T", err)
	}
	if err.Error() != "Constraint violation detected: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
