// Package validate implements the static pre-execution check on submitted
// source text. It is a lexical scan, not a parser: a forbidden token inside a
// string literal or comment is still rejected. The check refuses obviously
// dangerous code before the cost of a sandboxed process is paid.
package validate

import (
	"fmt"
	"strings"

	"codelab-engine/internal/policy"
)

// Rejection reasons.
const (
	ReasonSourceTooLarge     = "source_too_large"
	ReasonLanguageDisabled   = "language_disabled"
	ReasonForbiddenConstruct = "forbidden_construct"
)

// Rejection describes why a submission was refused. It implements error so
// the orchestrator can thread it through normal error returns, but it is a
// routine outcome, not a failure.
type Rejection struct {
	Reason string // one of the Reason* constants
	Detail string // human-readable detail, names the offending token if any
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Check inspects source text against the policy. It returns nil when the
// submission is accepted and a *Rejection otherwise. Pure function of its
// arguments; no side effects.
func Check(source, language string, pol *policy.SecurityPolicy) error {
	if int64(len(source)) > pol.MaxSourceBytes {
		return &Rejection{
			Reason: ReasonSourceTooLarge,
			Detail: fmt.Sprintf("source is %d bytes, limit is %d", len(source), pol.MaxSourceBytes),
		}
	}

	if !pol.LanguageEnabled(language) {
		return &Rejection{
			Reason: ReasonLanguageDisabled,
			Detail: fmt.Sprintf("language %q is not enabled by the active policy", language),
		}
	}

	denied := make(map[string]string, len(pol.ForbiddenImports)+len(pol.ForbiddenCalls))
	for _, tok := range pol.ForbiddenImports {
		denied[tok] = "import"
	}
	for _, tok := range pol.ForbiddenCalls {
		denied[tok] = "call"
	}

	for _, tok := range tokens(source) {
		if kind, ok := denied[tok]; ok {
			return &Rejection{
				Reason: ReasonForbiddenConstruct,
				Detail: fmt.Sprintf("forbidden %s %q", kind, tok),
			}
		}
	}

	return nil
}

// tokens splits source into identifier tokens. Runs of identifier characters
// form a token; identifiers joined by dots additionally form compound tokens
// for every contiguous dotted run, so a denylist entry like "os.system"
// matches both "os.system(...)" and "x.os.system(...)".
func tokens(source string) []string {
	var out []string
	var word []byte
	var chain []string

	flushWord := func() {
		if len(word) == 0 {
			return
		}
		w := string(word)
		word = word[:0]
		out = append(out, w)
		chain = append(chain, w)
	}
	endChain := func() {
		for i := 0; i < len(chain); i++ {
			for j := i + 2; j <= len(chain); j++ {
				out = append(out, strings.Join(chain[i:j], "."))
			}
		}
		chain = chain[:0]
	}

	for i := 0; i < len(source); i++ {
		c := source[i]
		switch {
		case isIdentChar(c):
			word = append(word, c)
		case c == '.' && len(word) > 0 && i+1 < len(source) && isIdentChar(source[i+1]):
			flushWord()
		default:
			flushWord()
			endChain()
		}
	}
	flushWord()
	endChain()

	return out
}

func isIdentChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
