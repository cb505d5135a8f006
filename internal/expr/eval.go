// Package expr evaluates the small parametric-value language embedded in
// task descriptions. Any scalar string whose first non-space character is
// a quote or an opening parenthesis is compiled to a tiny AST and evaluated
// in a sandbox over the frozen domain constants and the current metadata
// map. All other values pass through untouched.
package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/calder/transitpipe/internal/models"
)

// Error is the typed failure for expression evaluation. It aborts the
// expansion of the containing task.
type Error struct {
	Expression string
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expression, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Env is the read-only environment an expression sees: the constants
// namespace plus the flattened metadata of the current context.
type Env struct {
	Metadata map[string]models.Value
}

// NewEnv builds an environment over a metadata map (nil allowed).
func NewEnv(metadata map[string]models.Value) *Env {
	if metadata == nil {
		metadata = map[string]models.Value{}
	}
	return &Env{Metadata: metadata}
}

// namespace is an evaluation-time value addressable by member access or
// string index.
type namespace int

const (
	nsConstants namespace = iota
	nsMetadata
)

// IsExpression reports whether a raw string is to be evaluated: its first
// non-whitespace character is ', " or (.
func IsExpression(s string) bool {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if trimmed == "" {
		return false
	}
	switch trimmed[0] {
	case '\'', '"', '(':
		return true
	}
	return false
}

// Evaluate compiles and evaluates one expression string, returning a
// float64, string or bool.
func Evaluate(expression string, env *Env) (interface{}, error) {
	root, err := parse(expression)
	if err != nil {
		return nil, &Error{Expression: expression, Cause: err}
	}
	v, err := eval(root, env)
	if err != nil {
		return nil, &Error{Expression: expression, Cause: err}
	}
	if ns, ok := v.(namespace); ok {
		return nil, &Error{Expression: expression,
			Cause: fmt.Errorf("namespace %v is not a value", ns)}
	}
	return v, nil
}

func eval(n node, env *Env) (interface{}, error) {
	switch n := n.(type) {
	case *numberNode:
		return n.value, nil
	case *stringNode:
		return n.value, nil
	case *boolNode:
		return n.value, nil

	case *identNode:
		return evalName(n.name, env)

	case *unaryNode:
		operand, err := eval(n.operand, env)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			f, ok := operand.(float64)
			if !ok {
				return nil, fmt.Errorf("unary - needs a number, got %T", operand)
			}
			return -f, nil
		case "not":
			b, ok := operand.(bool)
			if !ok {
				return nil, fmt.Errorf("not needs a boolean, got %T", operand)
			}
			return !b, nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", n.op)

	case *binaryNode:
		return evalBinary(n, env)

	case *memberNode:
		target, err := eval(n.target, env)
		if err != nil {
			return nil, err
		}
		return lookupNamespace(target, n.name, env)

	case *indexNode:
		target, err := eval(n.target, env)
		if err != nil {
			return nil, err
		}
		key, err := eval(n.key, env)
		if err != nil {
			return nil, err
		}
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("index must be a string, got %T", key)
		}
		return lookupNamespace(target, name, env)
	}
	return nil, fmt.Errorf("unknown node %T", n)
}

// evalName resolves a bare identifier: the two namespaces by their reserved
// names, then the metadata map, then the constants.
func evalName(name string, env *Env) (interface{}, error) {
	switch name {
	case "const":
		return nsConstants, nil
	case "metadata":
		return nsMetadata, nil
	}
	if v, ok := env.Metadata[name]; ok {
		return v.Native(), nil
	}
	if c, ok := Constants[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown name %q", name)
}

func lookupNamespace(target interface{}, name string, env *Env) (interface{}, error) {
	ns, ok := target.(namespace)
	if !ok {
		return nil, fmt.Errorf("cannot access %q on %T", name, target)
	}
	switch ns {
	case nsConstants:
		if c, ok := Constants[name]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("unknown constant %q", name)
	default:
		if v, ok := env.Metadata[name]; ok {
			return v.Native(), nil
		}
		return nil, fmt.Errorf("unknown metadata key %q", name)
	}
}

func evalBinary(n *binaryNode, env *Env) (interface{}, error) {
	// and/or short-circuit on strict booleans.
	if n.op == "and" || n.op == "or" {
		left, err := eval(n.left, env)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("%s needs booleans, got %T", n.op, left)
		}
		if n.op == "and" && !lb {
			return false, nil
		}
		if n.op == "or" && lb {
			return true, nil
		}
		right, err := eval(n.right, env)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("%s needs booleans, got %T", n.op, right)
		}
		return rb, nil
	}

	left, err := eval(n.left, env)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right)
	}

	// Arithmetic. + additionally concatenates strings.
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok && n.op == "+" {
			return ls + rs, nil
		}
	}
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("%s needs numbers, got %T and %T", n.op, left, right)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	case "**":
		return math.Pow(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func equal(a, b interface{}) bool {
	return a == b
}

func compare(op string, left, right interface{}) (interface{}, error) {
	if lf, ok := left.(float64); ok {
		rf, ok := right.(float64)
		if !ok {
			return nil, fmt.Errorf("%s needs matching types, got %T and %T", op, left, right)
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, fmt.Errorf("%s needs matching types, got %T and %T", op, left, right)
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		default:
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("%s cannot order %T values", op, left)
}
