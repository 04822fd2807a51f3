// pkg/predicates/predicates.go - evaluation of conditional-item predicates
// against a machine fact dictionary.
//
// Evaluation is total: a missing fact key compares unequal to every value
// and fails every ordering, so a bad predicate disables its branch instead
// of aborting the run.

package predicates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Facts is the dictionary of machine attributes predicates evaluate against.
// Values may be strings, numbers, bools, time.Time, or []string.
type Facts map[string]interface{}

// Predicate is a compiled predicate expression.
type Predicate struct {
	source string
	root   expr
}

// String returns the original predicate text.
func (p *Predicate) String() string { return p.source }

// Evaluate runs the predicate against facts.
func (p *Predicate) Evaluate(facts Facts) bool {
	return p.root.evalBool(facts)
}

// Evaluator binds a fact dictionary so it can satisfy the catalog's
// condition-evaluator interface.
type Evaluator struct {
	facts Facts
}

// NewEvaluator returns an Evaluator over facts.
func NewEvaluator(facts Facts) *Evaluator {
	return &Evaluator{facts: facts}
}

// Evaluate parses and evaluates predicate against the bound facts. A parse
// error is returned so callers can log and treat the condition as false.
func (e *Evaluator) Evaluate(predicate string) (bool, error) {
	p, err := Parse(predicate)
	if err != nil {
		return false, fmt.Errorf("invalid predicate %q: %w", predicate, err)
	}
	return p.Evaluate(e.facts), nil
}

// missing marks a fact key absent from the dictionary.
type missing struct{}

func (b *binaryExpr) evalBool(facts Facts) bool {
	switch b.op {
	case "AND":
		return b.left.evalBool(facts) && b.right.evalBool(facts)
	default: // OR
		return b.left.evalBool(facts) || b.right.evalBool(facts)
	}
}

func (n *notExpr) evalBool(facts Facts) bool { return !n.inner.evalBool(facts) }

func (c *compareExpr) evalBool(facts Facts) bool {
	left := c.left.evalValue(facts)
	right := c.right.evalValue(facts)

	switch c.op {
	case "==":
		return valuesEqual(left, right)
	case "!=":
		return !valuesEqual(left, right)
	case "<", "<=", ">", ">=":
		cmp, ok := orderValues(left, right)
		if !ok {
			return false
		}
		switch c.op {
		case "<":
			return cmp < 0
		case "<=":
			return cmp <= 0
		case ">":
			return cmp > 0
		default:
			return cmp >= 0
		}
	case "IN":
		return containsValue(right, left)
	case "CONTAINS":
		return containsValue(left, right)
	case "BEGINSWITH":
		ls, lok := asString(left)
		rs, rok := asString(right)
		return lok && rok && strings.HasPrefix(ls, rs)
	case "ENDSWITH":
		ls, lok := asString(left)
		rs, rok := asString(right)
		return lok && rok && strings.HasSuffix(ls, rs)
	case "LIKE":
		ls, lok := asString(left)
		rs, rok := asString(right)
		return lok && rok && likeMatch(ls, rs)
	}
	return false
}

func (l *literalNode) evalValue(facts Facts) interface{} { return l.value }

func (i *identNode) evalValue(facts Facts) interface{} {
	if v, ok := i.lookup(facts); ok {
		return v
	}
	return missing{}
}

func (i *identNode) lookup(facts Facts) (interface{}, bool) {
	v, ok := facts[i.name]
	return v, ok
}

func (c *castNode) evalValue(facts Facts) interface{} {
	v := c.inner.evalValue(facts)
	if _, isMissing := v.(missing); isMissing {
		return v
	}
	switch c.to {
	case "DATE", "NSDATE":
		s, ok := asString(v)
		if !ok {
			return missing{}
		}
		t, err := parseDateLiteral(s)
		if err != nil {
			return missing{}
		}
		return t
	case "STRING", "NSSTRING":
		s, _ := asString(v)
		return s
	case "NUMBER", "NSNUMBER":
		f, ok := asNumber(v)
		if !ok {
			return missing{}
		}
		return f
	}
	return v
}

func (a *arrayNode) evalValue(facts Facts) interface{} {
	out := make([]interface{}, len(a.elems))
	for i, e := range a.elems {
		out[i] = e.evalValue(facts)
	}
	return out
}

// parseDateLiteral accepts RFC3339-shaped date strings. A trailing "Z" is
// reinterpreted as local wall-clock time: administrators write
// "2026-08-15T13:00:00Z" meaning 1pm on the machine's clock, wherever it is.
func parseDateLiteral(s string) (time.Time, error) {
	if strings.HasSuffix(s, "Z") {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", strings.TrimSuffix(s, "Z"), time.Local)
		if err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date literal %q", s)
	}
	return t, nil
}

func asString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func valuesEqual(a, b interface{}) bool {
	if _, ok := a.(missing); ok {
		return false
	}
	if _, ok := b.(missing); ok {
		return false
	}
	if ta, ok := asTime(a); ok {
		tb, ok := asTime(b)
		return ok && ta.Equal(tb)
	}
	if _, ok := asTime(b); ok {
		return false
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	fa, aNum := pureNumber(a)
	fb, bNum := pureNumber(b)
	if aNum && bNum {
		return fa == fb
	}
	sa, aok := asString(a)
	sb, bok := asString(b)
	return aok && bok && sa == sb
}

// pureNumber reports a numeric value without coercing strings, so
// "10" == "10.0" stays a string comparison but 10 == 10.0 is numeric.
func pureNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// orderValues returns -1/0/1 ordering a against b, or ok=false when the pair
// has no defined ordering (either side missing, or incompatible types).
func orderValues(a, b interface{}) (int, bool) {
	if _, ok := a.(missing); ok {
		return 0, false
	}
	if _, ok := b.(missing); ok {
		return 0, false
	}
	if ta, ok := asTime(a); ok {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if _, ok := asTime(b); ok {
		return 0, false
	}
	fa, aNum := asNumber(a)
	fb, bNum := asNumber(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, aok := asString(a)
	sb, bok := asString(b)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// containsValue handles both IN/CONTAINS over arrays and substring CONTAINS
// over strings.
func containsValue(container, needle interface{}) bool {
	if _, ok := needle.(missing); ok {
		return false
	}
	switch c := container.(type) {
	case []interface{}:
		for _, elem := range c {
			if valuesEqual(elem, needle) {
				return true
			}
		}
		return false
	case []string:
		ns, ok := asString(needle)
		if !ok {
			return false
		}
		for _, elem := range c {
			if elem == ns {
				return true
			}
		}
		return false
	case string:
		ns, ok := asString(needle)
		return ok && strings.Contains(c, ns)
	default:
		return false
	}
}

// likeMatch implements LIKE with * and ? wildcards, case-insensitively.
func likeMatch(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
