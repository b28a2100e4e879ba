// Package expr implements the condition-tree language used by visa
// requirements: a closed set of boolean and comparison operators evaluated
// against a flat fact mapping.
//
// Trees arrive as parsed data (nested maps and lists from JSON), never as
// text. Parse converts that untyped shape into a tagged union once, at
// ingestion time; Evaluate then pattern-matches over the finite variant set
// instead of trusting untyped structure on every evaluation.
package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Node is one variant of the condition tree.
type Node interface{ isNode() }

// Literal is a constant bool, number, string, or null.
type Literal struct {
	Value any
}

// Var looks up a fact by dotted name. A missing fact resolves to null,
// never an error.
type Var struct {
	Name string
}

// And is true when every argument is true.
type And struct {
	Args []Node
}

// Or is true when any argument is true.
type Or struct {
	Args []Node
}

// Not negates its argument.
type Not struct {
	Arg Node
}

// Compare applies a comparison operator to exactly two arguments.
type Compare struct {
	Op   Op
	Args [2]Node
}

func (Literal) isNode() {}
func (Var) isNode()     {}
func (And) isNode()     {}
func (Or) isNode()      {}
func (Not) isNode()     {}
func (Compare) isNode() {}

var compareOps = map[string]Op{
	"==": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
}

// Parse converts an untyped condition tree into the closed variant set.
// The tree is either a literal or a single-key mapping whose key is an
// operator and whose value is the argument list. Unknown operators, wrong
// arity, and malformed shapes return a ValidationError.
func Parse(raw any) (Node, error) {
	switch v := raw.(type) {
	case nil:
		return Literal{Value: nil}, nil
	case bool, string:
		return Literal{Value: v}, nil
	case float64:
		return Literal{Value: v}, nil
	case int:
		return Literal{Value: float64(v)}, nil
	case int64:
		return Literal{Value: float64(v)}, nil
	case map[string]any:
		if len(v) != 1 {
			return nil, domain.Validationf("condition node must have exactly one operator key, got %d", len(v))
		}
		for op, args := range v {
			return parseOperator(op, args)
		}
	}
	return nil, domain.Validationf("malformed condition node of type %T", raw)
}

func parseOperator(op string, rawArgs any) (Node, error) {
	if op == "var" {
		name, ok := varName(rawArgs)
		if !ok {
			return nil, domain.Validationf("var operator requires a fact name string")
		}
		return Var{Name: name}, nil
	}

	args, err := parseArgs(op, rawArgs)
	if err != nil {
		return nil, err
	}

	switch op {
	case "and":
		if len(args) < 1 {
			return nil, domain.Validationf("and requires at least one argument")
		}
		return And{Args: args}, nil
	case "or":
		if len(args) < 1 {
			return nil, domain.Validationf("or requires at least one argument")
		}
		return Or{Args: args}, nil
	case "!":
		if len(args) != 1 {
			return nil, domain.Validationf("! requires exactly one argument, got %d", len(args))
		}
		return Not{Arg: args[0]}, nil
	}

	if cmp, ok := compareOps[op]; ok {
		if len(args) != 2 {
			return nil, domain.Validationf("%s requires exactly two arguments, got %d", op, len(args))
		}
		return Compare{Op: cmp, Args: [2]Node{args[0], args[1]}}, nil
	}

	return nil, domain.Validationf("unknown operator %q", op)
}

// varName accepts `{"var": "salary"}` and the `{"var": ["salary"]}` list form.
func varName(rawArgs any) (string, bool) {
	switch a := rawArgs.(type) {
	case string:
		return a, a != ""
	case []any:
		if len(a) == 1 {
			if s, ok := a[0].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func parseArgs(op string, rawArgs any) ([]Node, error) {
	list, ok := rawArgs.([]any)
	if !ok {
		// A single non-list argument is accepted for unary "!".
		if op == "!" {
			n, err := Parse(rawArgs)
			if err != nil {
				return nil, err
			}
			return []Node{n}, nil
		}
		return nil, domain.Validationf("%s requires a list of arguments, got %T", op, rawArgs)
	}

	args := make([]Node, 0, len(list))
	for _, item := range list {
		n, err := Parse(item)
		if err != nil {
			return nil, err
		}
		args = append(args, n)
	}
	return args, nil
}

// Result is the outcome of evaluating a tree. A nil Value means the result
// could not be determined because the facts in Missing were absent and their
// absence decided the outcome; short-circuited branches do not contribute.
type Result struct {
	Value   any
	Missing []string
}

// IsTrue reports whether the tree definitively evaluated to true.
func (r Result) IsTrue() bool {
	b, ok := r.Value.(bool)
	return ok && b
}

// Evaluate runs the condition tree against the fact mapping. It is a pure
// function: no external calls, no mutation of facts, deterministic for a
// given (tree, facts) pair.
func Evaluate(node Node, facts map[string]any) (Result, error) {
	switch n := node.(type) {
	case Literal:
		return Result{Value: normalize(n.Value)}, nil

	case Var:
		v, ok := lookup(facts, n.Name)
		if !ok || v == nil {
			return Result{Value: nil, Missing: []string{n.Name}}, nil
		}
		return Result{Value: normalize(v)}, nil

	case And:
		return evalAnd(n.Args, facts)

	case Or:
		return evalOr(n.Args, facts)

	case Not:
		inner, err := Evaluate(n.Arg, facts)
		if err != nil {
			return Result{}, err
		}
		if inner.Value == nil {
			return inner, nil
		}
		return Result{Value: !truthy(inner.Value)}, nil

	case Compare:
		return evalCompare(n, facts)
	}

	return Result{}, domain.Validationf("unknown condition node %T", node)
}

// evalAnd: a definite false decides the conjunction regardless of missing
// facts elsewhere; only when no argument is false do missing facts matter.
func evalAnd(args []Node, facts map[string]any) (Result, error) {
	var missing []string
	indeterminate := false

	for _, arg := range args {
		r, err := Evaluate(arg, facts)
		if err != nil {
			return Result{}, err
		}
		if r.Value == nil {
			indeterminate = true
			missing = append(missing, r.Missing...)
			continue
		}
		if !truthy(r.Value) {
			return Result{Value: false}, nil
		}
	}

	if indeterminate {
		return Result{Value: nil, Missing: dedupe(missing)}, nil
	}
	return Result{Value: true}, nil
}

// evalOr mirrors evalAnd: a definite true decides the disjunction.
func evalOr(args []Node, facts map[string]any) (Result, error) {
	var missing []string
	indeterminate := false

	for _, arg := range args {
		r, err := Evaluate(arg, facts)
		if err != nil {
			return Result{}, err
		}
		if r.Value == nil {
			indeterminate = true
			missing = append(missing, r.Missing...)
			continue
		}
		if truthy(r.Value) {
			return Result{Value: true}, nil
		}
	}

	if indeterminate {
		return Result{Value: nil, Missing: dedupe(missing)}, nil
	}
	return Result{Value: false}, nil
}

func evalCompare(n Compare, facts map[string]any) (Result, error) {
	left, err := Evaluate(n.Args[0], facts)
	if err != nil {
		return Result{}, err
	}
	right, err := Evaluate(n.Args[1], facts)
	if err != nil {
		return Result{}, err
	}

	// A nil operand makes the comparison undecidable; the missing facts
	// behind it are the deciding factor.
	if left.Value == nil || right.Value == nil {
		return Result{Value: nil, Missing: dedupe(append(left.Missing, right.Missing...))}, nil
	}

	switch n.Op {
	case OpEq:
		return Result{Value: looseEqual(left.Value, right.Value)}, nil
	case OpNe:
		return Result{Value: !looseEqual(left.Value, right.Value)}, nil
	}

	// Ordered comparisons: both numeric or both strings.
	if lf, lok := asNumber(left.Value); lok {
		rf, rok := asNumber(right.Value)
		if !rok {
			return Result{}, domain.Validationf("cannot compare number with %T", right.Value)
		}
		return Result{Value: compareFloats(n.Op, lf, rf)}, nil
	}
	if ls, lok := left.Value.(string); lok {
		rs, rok := right.Value.(string)
		if !rok {
			return Result{}, domain.Validationf("cannot compare string with %T", right.Value)
		}
		return Result{Value: compareStrings(n.Op, ls, rs)}, nil
	}

	return Result{}, domain.Validationf("operands of type %T are not ordered", left.Value)
}

func compareFloats(op Op, a, b float64) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	default:
		return a >= b
	}
}

func compareStrings(op Op, a, b string) bool {
	c := strings.Compare(a, b)
	switch op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	default:
		return c >= 0
	}
}

// looseEqual compares with numeric normalization: 30 == 30.0.
func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		bf, bok := asNumber(b)
		return bok && af == bf
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// truthy follows the usual loose-boolean convention: false, zero, and the
// empty string are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return v != nil
}

func normalize(v any) any {
	if f, ok := asNumber(v); ok {
		return f
	}
	return v
}

// lookup resolves a dotted fact name ("employment.salary") through nested
// fact maps.
func lookup(facts map[string]any, name string) (any, bool) {
	parts := strings.Split(name, ".")
	var current any = facts
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func dedupe(names []string) []string {
	if len(names) < 2 {
		return names
	}
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Validate structurally type-checks a raw condition tree against the closed
// operator set and probe-evaluates it against an empty fact set, rejecting
// NaN or infinite numeric results. This is a cheap syntax sanity check run
// before a requirement is stored, not a semantic guarantee.
func Validate(raw any) error {
	node, err := Parse(raw)
	if err != nil {
		return err
	}
	if err := checkFinite(node); err != nil {
		return err
	}
	if _, err := Evaluate(node, map[string]any{}); err != nil {
		return err
	}
	return nil
}

func checkFinite(node Node) error {
	switch n := node.(type) {
	case Literal:
		if f, ok := asNumber(n.Value); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return domain.Validationf("non-finite numeric literal %v", f)
			}
		}
	case And:
		for _, a := range n.Args {
			if err := checkFinite(a); err != nil {
				return err
			}
		}
	case Or:
		for _, a := range n.Args {
			if err := checkFinite(a); err != nil {
				return err
			}
		}
	case Not:
		return checkFinite(n.Arg)
	case Compare:
		if err := checkFinite(n.Args[0]); err != nil {
			return err
		}
		return checkFinite(n.Args[1])
	}
	return nil
}

// MustParse is a test helper that panics on malformed trees.
func MustParse(raw any) Node {
	n, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("expr: %v", err))
	}
	return n
}
