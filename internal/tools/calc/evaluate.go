// Package calc provides the evaluate tool, a sandboxed expression evaluator
// built on CEL.
package calc

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"nanoagent/internal/tools"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// costLimit bounds evaluation work per expression.
const costLimit = 1_000_000

// tokenPattern finds string literals, identifiers and numbers so integer
// literals can be promoted without touching the other two.
var tokenPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|0[xX][0-9a-fA-F]+|[A-Za-z_][A-Za-z0-9_]*|\d+(?:\.\d+)?(?:[eE][+-]?\d+)?`)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(ext.Math(), ext.Strings())
	})
	return env, envErr
}

// EvaluateTool returns the evaluate tool.
func EvaluateTool() *tools.Tool {
	return &tools.Tool{
		Name: tools.Evaluate,
		Description: "Evaluate an arithmetic or logical expression (CEL syntax: + - * /, comparisons, " +
			"&& || !, ternary, math.greatest/least, string functions). Numbers are treated as decimals",
		Category: tools.CategorySystem,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			expr, err := tools.StringArg(args, "expression")
			if err != nil {
				return "", err
			}
			return Eval(ctx, expr)
		},
		Schema: tools.ToolSchema{
			Required: []string{"expression"},
			Properties: map[string]tools.Property{
				"expression": {Type: "string", Description: "The expression to evaluate, e.g. (3 + 4) * 2.5"},
			},
		},
	}
}

// Eval compiles and evaluates expr and formats the result.
func Eval(ctx context.Context, expr string) (string, error) {
	e, err := celEnv()
	if err != nil {
		return "", fmt.Errorf("expression environment: %w", err)
	}

	ast, iss := e.Compile(promoteIntegers(expr))
	if iss != nil && iss.Err() != nil {
		return "", fmt.Errorf("invalid expression: %w", iss.Err())
	}
	prg, err := e.Program(ast, cel.CostLimit(costLimit), cel.InterruptCheckFrequency(100))
	if err != nil {
		return "", fmt.Errorf("invalid expression: %w", err)
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{})
	if err != nil {
		return "", fmt.Errorf("evaluation failed: %w", err)
	}
	return format(out.Value()), nil
}

// promoteIntegers rewrites integer literals as doubles so 7 / 2 is 3.5 and
// mixed arithmetic type-checks.
func promoteIntegers(expr string) string {
	return tokenPattern.ReplaceAllStringFunc(expr, func(tok string) string {
		c := tok[0]
		if c < '0' || c > '9' {
			return tok
		}
		if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
			return tok
		}
		if strings.ContainsAny(tok, ".eE") {
			return tok
		}
		return tok + ".0"
	})
}

func format(v any) string {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', 15, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
