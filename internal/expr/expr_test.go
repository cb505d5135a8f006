package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/transitpipe/internal/models"
)

func env(md map[string]models.Value) *Env {
	return NewEnv(md)
}

func TestIsExpression(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"(1+1)", true},
		{"  (1+1)", true},
		{"'literal'", true},
		{`"literal"`, true},
		{"plain text", false},
		{"lc.dat", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExpression(tt.input), "input %q", tt.input)
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want interface{}
	}{
		{name: "addition", expr: "(1 + 1)", want: 2.0},
		{name: "precedence", expr: "(2 + 3 * 4)", want: 14.0},
		{name: "parens", expr: "((2 + 3) * 4)", want: 20.0},
		{name: "division", expr: "(7 / 2)", want: 3.5},
		{name: "modulo", expr: "(7 % 3)", want: 1.0},
		{name: "power", expr: "(2 ** 10)", want: 1024.0},
		{name: "power right assoc", expr: "(2 ** 3 ** 2)", want: 512.0},
		{name: "unary minus", expr: "(-3 + 5)", want: 2.0},
		{name: "scientific notation", expr: "(1.5e2 + 50)", want: 200.0},
		{name: "comparison true", expr: "(1 + 1 == 2)", want: true},
		{name: "comparison false", expr: "(3 < 2)", want: false},
		{name: "boolean and", expr: "(1 < 2 and 2 < 3)", want: true},
		{name: "boolean or", expr: "(1 > 2 or 2 < 3)", want: true},
		{name: "not", expr: "(not (1 == 2))", want: true},
		{name: "string literal single", expr: "'bls'", want: "bls"},
		{name: "string literal double", expr: `"tls"`, want: "tls"},
		{name: "string concat", expr: "('a' + 'b')", want: "ab"},
		{name: "string comparison", expr: "('a' < 'b')", want: true},
		{name: "string equality", expr: "('x' == 'x')", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, env(nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateNames(t *testing.T) {
	md := map[string]models.Value{
		"mes":    models.Num(8.5),
		"method": models.Str("bls"),
	}

	tests := []struct {
		name string
		expr string
		want interface{}
	}{
		{name: "bare metadata name", expr: "(mes * 2)", want: 17.0},
		{name: "metadata index", expr: "(metadata['mes'] * 2)", want: 17.0},
		{name: "string metadata", expr: "(method == 'bls')", want: true},
		{name: "constant member", expr: "(const.day)", want: 86400.0},
		{name: "bare constant", expr: "(day * 2)", want: 172800.0},
		{name: "radius ratio", expr: "(const.sun_radius / const.earth_radius > 100)", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, env(md))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// Metadata shadows a constant of the same name.
	shadow := map[string]models.Value{"day": models.Num(1)}
	got, err := Evaluate("(day)", env(shadow))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "unknown name", expr: "(nonexistent + 1)"},
		{name: "unknown metadata key", expr: "(metadata['absent'])"},
		{name: "unknown constant", expr: "(const.absent)"},
		{name: "division by zero", expr: "(1 / 0)"},
		{name: "modulo by zero", expr: "(1 % 0)"},
		{name: "type mismatch", expr: "(1 + 'a')"},
		{name: "unterminated string", expr: "('abc"},
		{name: "trailing garbage", expr: "(1 + 2) extra"},
		{name: "bare namespace", expr: "(const)"},
		{name: "and on numbers", expr: "(1 and 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr, env(nil))
			require.Error(t, err)
			var ee *Error
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.expr, ee.Expression)
		})
	}
}

func decodeJSON(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestEvaluateTree(t *testing.T) {
	md := map[string]models.Value{"p": models.Num(3)}

	in := decodeJSON(t, `{
		"task": "synthesis_psls",
		"planet_period": "(p * const.day)",
		"outputs": {"lightcurve": "lc.dat"},
		"flags": [true, "(1+1)", "plain"],
		"count": 7
	}`)

	out, err := EvaluateTree(in, env(md))
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, "synthesis_psls", m["task"])
	assert.Equal(t, 3*86400.0, m["planet_period"])
	assert.Equal(t, "lc.dat", m["outputs"].(map[string]interface{})["lightcurve"])
	assert.Equal(t, []interface{}{true, 2.0, "plain"}, m["flags"])
	assert.Equal(t, 7.0, m["count"])
}

func TestEvaluateTreeTaskListOpaque(t *testing.T) {
	in := decodeJSON(t, `{
		"task": "execution_chain",
		"task_list": [{"task": "null", "later": "(undefined_name)"}],
		"task_list_else": [{"later": "(also_undefined)"}]
	}`)

	// The undefined names under task_list must not be touched.
	out, err := EvaluateTree(in, env(nil))
	require.NoError(t, err)

	m := out.(map[string]interface{})
	inner := m["task_list"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "(undefined_name)", inner["later"])
}

func TestEvaluateTreeIdempotent(t *testing.T) {
	md := map[string]models.Value{"x": models.Num(2)}
	in := decodeJSON(t, `{"a": "(x * 2)", "b": ["(x)", "lit"]}`)

	once, err := EvaluateTree(in, env(md))
	require.NoError(t, err)
	twice, err := EvaluateTree(once, env(md))
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	// A fully literal tree is a fixed point.
	lit := decodeJSON(t, `{"a": 4, "b": [2, "lit"]}`)
	same, err := EvaluateTree(lit, env(md))
	require.NoError(t, err)
	assert.Equal(t, lit, same)
}

func TestEvaluateTreeComputedKey(t *testing.T) {
	md := map[string]models.Value{"band": models.Str("red")}
	in := decodeJSON(t, `{"('key_' + band)": 1}`)

	out, err := EvaluateTree(in, env(md))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.(map[string]interface{})["key_red"])
}

func TestEvaluateTreePropagatesError(t *testing.T) {
	in := decodeJSON(t, `{"a": {"b": ["(boom!)"]}}`)
	_, err := EvaluateTree(in, env(nil))
	require.Error(t, err)
	var ee *Error
	assert.ErrorAs(t, err, &ee)
}
