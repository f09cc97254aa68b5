package password

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxBytes is the longest input bcrypt accepts without truncation.
const maxBytes = 72

// Rule is one password predicate.
type Rule struct {
	Name    string
	Message string
	Check   func(string) bool
}

// Violation names a failed rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Policy is an ordered list of rules.
type Policy struct {
	rules []Rule
}

// DefaultRules is the rule order used when none is configured.
var DefaultRules = []string{"min_length", "upper", "lower", "digit"}

func builtin(name string, minLength int) (Rule, bool) {
	switch name {
	case "min_length":
		return Rule{name, fmt.Sprintf("password must be at least %d characters long", minLength), func(s string) bool {
			return utf8.RuneCountInString(s) >= minLength
		}}, true
	case "upper":
		return Rule{name, "password must contain an uppercase letter", hasRune(unicode.IsUpper)}, true
	case "lower":
		return Rule{name, "password must contain a lowercase letter", hasRune(unicode.IsLower)}, true
	case "digit":
		return Rule{name, "password must contain a digit", hasRune(unicode.IsDigit)}, true
	case "symbol":
		return Rule{name, "password must contain a symbol", hasRune(func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})}, true
	case "max_bytes":
		return Rule{name, fmt.Sprintf("password must be at most %d bytes", maxBytes), func(s string) bool {
			return len(s) <= maxBytes
		}}, true
	}
	return Rule{}, false
}

func hasRune(pred func(rune) bool) func(string) bool {
	return func(s string) bool { return strings.IndexFunc(s, pred) >= 0 }
}

// NewPolicy builds a policy from rule names, evaluated in the given order.
// The max_bytes guard is always enforced, last unless listed explicitly.
func NewPolicy(names []string, minLength int) (Policy, error) {
	if minLength < 1 {
		return Policy{}, fmt.Errorf("password: min length must be positive, got %d", minLength)
	}
	var p Policy
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		r, ok := builtin(n, minLength)
		if !ok {
			return Policy{}, fmt.Errorf("password: unknown policy rule %q", n)
		}
		seen[n] = true
		p.rules = append(p.rules, r)
	}
	if !seen["max_bytes"] {
		r, _ := builtin("max_bytes", minLength)
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// With returns a copy of the policy with an extra rule appended.
func (p Policy) With(r Rule) Policy {
	rules := make([]Rule, 0, len(p.rules)+1)
	rules = append(rules, p.rules...)
	return Policy{rules: append(rules, r)}
}

// Validate evaluates every rule and returns all violations in rule order.
// An empty result means the password is acceptable.
func (p Policy) Validate(plain string) []Violation {
	var out []Violation
	for _, r := range p.rules {
		if !r.Check(plain) {
			out = append(out, Violation{Rule: r.Name, Message: r.Message})
		}
	}
	return out
}

func (p Policy) Rules() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}
