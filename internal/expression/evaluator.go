// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates the %-line assignments and bracketed
// [expr] substitutions found in g-code source streams.
package expression

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bhangun/cncd/pkg/errors"
)

// Evaluator evaluates expressions against a populated context.
// It caches compiled expressions for repeated evaluation of the same
// program lines.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a single expression against the given context and
// returns its value.
//
// The context typically contains machine position (mposx..mposc), work
// position (posx..posc), the modal group, bounding-box extents and the
// shared user variables under "global".
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (interface{}, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the context",
		}
	}
	return result, nil
}

// EvaluateAssignments evaluates a comma- or semicolon-separated list of
// "name = expr" assignments and returns the assigned values. The
// assignments also become visible to later expressions in the same list.
//
//	"_x = posx + 1, _y = _x * 2"
func (e *Evaluator) EvaluateAssignments(list string, ctx map[string]interface{}) (map[string]interface{}, error) {
	assigned := make(map[string]interface{})
	for _, stmt := range splitStatements(list) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		name, rhs, ok := splitAssignment(stmt)
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "expression",
				Message:    fmt.Sprintf("not an assignment: %q", stmt),
				Suggestion: "use the form name = expression",
			}
		}
		value, err := e.Evaluate(rhs, ctx)
		if err != nil {
			return nil, err
		}
		ctx[name] = value
		assigned[name] = value
	}
	return assigned, nil
}

// Translate rewrites every bracketed [expr] span in line with its
// evaluated value. Lines without brackets pass through unchanged.
//
//	"G0 X[xmin + 1] Y[ymax]" -> "G0 X1.5 Y20"
func (e *Evaluator) Translate(line string, ctx map[string]interface{}) (string, error) {
	if !strings.ContainsRune(line, '[') {
		return line, nil
	}

	var b strings.Builder
	for {
		open := strings.IndexByte(line, '[')
		if open < 0 {
			b.WriteString(line)
			break
		}
		closing := matchingBracket(line, open)
		if closing < 0 {
			b.WriteString(line)
			break
		}
		b.WriteString(line[:open])
		value, err := e.Evaluate(line[open+1:closing], ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(formatValue(value))
		line = line[closing+1:]
	}
	return b.String(), nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// splitStatements splits on top-level commas and semicolons, ignoring
// separators inside brackets, parens and strings.
func splitStatements(list string) []string {
	var out []string
	depth := 0
	inString := byte(0)
	start := 0
	for i := 0; i < len(list); i++ {
		c := list[i]
		switch {
		case inString != 0:
			if c == inString {
				inString = 0
			}
		case c == '\'' || c == '"':
			inString = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case (c == ',' || c == ';') && depth == 0:
			out = append(out, list[start:i])
			start = i + 1
		}
	}
	out = append(out, list[start:])
	return out
}

// splitAssignment splits "name = expr" at the first top-level '=' that is
// not part of a comparison operator.
func splitAssignment(stmt string) (name, rhs string, ok bool) {
	for i := 0; i < len(stmt); i++ {
		if stmt[i] != '=' {
			continue
		}
		if i+1 < len(stmt) && stmt[i+1] == '=' {
			return "", "", false
		}
		if i > 0 && (stmt[i-1] == '!' || stmt[i-1] == '<' || stmt[i-1] == '>') {
			return "", "", false
		}
		name = strings.TrimSpace(stmt[:i])
		rhs = strings.TrimSpace(stmt[i+1:])
		if name == "" || rhs == "" || !isIdentifier(name) {
			return "", "", false
		}
		return name, rhs, true
	}
	return "", "", false
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return len(s) > 0
}

func matchingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// formatValue renders an evaluated value for substitution into g-code.
// Floats drop a trailing ".0" so coordinates read as plain numbers.
func formatValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return formatValue(float64(n))
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case string:
		return n
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
