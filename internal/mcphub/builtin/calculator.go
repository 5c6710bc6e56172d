// Package builtin holds the hub's built-in tool servers, registered in a
// constant list at process start per §9's "explicit registration"
// redesign (replacing the teacher's reflection-driven pattern). These
// supplement the distilled spec with the general-purpose tools the
// original Python backend shipped (calculator, weather, search) that
// the distillation dropped.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"manifold/internal/mcphub"
)

// Calculator evaluates a basic arithmetic expression (+, -, *, /,
// parentheses). Pure and deterministic, so it is cacheable.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string { return "general" }

func (c *Calculator) Initialize(ctx context.Context) error { return nil }

func (c *Calculator) GetTools(ctx context.Context) ([]mcphub.ToolDefinition, error) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"expression": {"type": "string", "description": "Arithmetic expression, e.g. 2 + 2 * 3"}},
		"required": ["expression"]
	}`)
	return []mcphub.ToolDefinition{
		{
			Name:        "calculator",
			Description: "Evaluates a basic arithmetic expression.",
			InputSchema: schema,
			Cacheable:   true,
		},
	}, nil
}

type calculatorArgs struct {
	Expression string `json:"expression"`
}

func (c *Calculator) CallTool(ctx context.Context, name string, args json.RawMessage) (mcphub.ToolCallResult, error) {
	if name != "calculator" {
		return mcphub.ToolCallResult{}, fmt.Errorf("builtin: unknown tool %q", name)
	}
	var a calculatorArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(err.Error()), nil
	}
	result, err := evalExpression(a.Expression)
	if err != nil {
		return errResult(err.Error()), nil
	}
	text := strconv.FormatFloat(result, 'f', -1, 64)
	b, _ := json.Marshal(map[string]any{"expression": a.Expression, "result": result})
	return mcphub.ToolCallResult{Content: []mcphub.ContentBlock{{Type: "text", Text: text}, {Type: "json", Text: string(b)}}}, nil
}

func errResult(msg string) mcphub.ToolCallResult {
	return mcphub.ToolCallResult{Content: []mcphub.ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

// evalExpression is a small recursive-descent evaluator over +, -, *, /,
// unary minus and parentheses — the scope calculator.py's safe_dict
// covers for the four basic operators; the original's trigonometric/log
// helpers are not ported (out of scope for this tool's arithmetic core).
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: []rune(strings.TrimSpace(expr))}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected trailing input at %d", p.pos)
	}
	return v, nil
}

type exprParser struct {
	input []rune
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	if p.peek() == '+' {
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("expected )")
		}
		p.pos++
		return v, nil
	}
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("expected number at %d", start)
	}
	return strconv.ParseFloat(string(p.input[start:p.pos]), 64)
}
