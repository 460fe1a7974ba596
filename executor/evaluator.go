package executor

import (
	"strings"

	"bpmn.evalgo.org/common"
)

// Evaluator decides sequence-flow conditions at exclusive gateways.
type Evaluator interface {
	// Evaluate reports whether the expression holds for the variables.
	Evaluate(expression string, variables map[string]string) (bool, error)
}

// ComparisonEvaluator is the built-in condition language. It understands
// three forms:
//
//	name == operand
//	name != operand
//	name
//
// The left side is always a variable name. The operand is a quoted or bare
// literal; if a variable with the operand's name exists, its value is used
// instead. The bare form is true when the variable holds "true".
type ComparisonEvaluator struct{}

func (ComparisonEvaluator) Evaluate(expression string, variables map[string]string) (bool, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, common.NewError(common.KindMalformedProcess, "empty condition expression")
	}

	if name, operand, found := cutOperator(expr, "=="); found {
		left, right, err := operands(name, operand, variables)
		if err != nil {
			return false, err
		}
		return left == right, nil
	}
	if name, operand, found := cutOperator(expr, "!="); found {
		left, right, err := operands(name, operand, variables)
		if err != nil {
			return false, err
		}
		return left != right, nil
	}

	if strings.ContainsAny(expr, " \t") {
		return false, common.NewError(common.KindMalformedProcess,
			"unsupported condition expression %q", expression)
	}
	return variables[expr] == "true", nil
}

func cutOperator(expr, op string) (name, operand string, found bool) {
	name, operand, found = strings.Cut(expr, op)
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(operand), true
}

func operands(name, operand string, variables map[string]string) (string, string, error) {
	if name == "" || operand == "" {
		return "", "", common.NewError(common.KindMalformedProcess,
			"condition is missing an operand")
	}
	// an unset variable compares as the empty string
	left := variables[name]
	right := unquote(operand)
	if !isQuoted(operand) {
		if v, ok := variables[operand]; ok {
			right = v
		}
	}
	return left, right, nil
}

func isQuoted(s string) bool {
	return len(s) >= 2 &&
		((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"'))
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
