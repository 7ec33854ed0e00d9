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

package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"posx": 10.0, "posy": 2.5}

	result, err := e.Evaluate("posx + posy * 2", ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, result)
}

func TestEvaluateUndefinedVariableIsNil(t *testing.T) {
	e := New()
	result, err := e.Evaluate("nosuch", map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestEvaluateSyntaxError(t *testing.T) {
	e := New()
	_, err := e.Evaluate("posx +", map[string]interface{}{})
	assert.Error(t, err)
}

func TestEvaluateAssignments(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"posx": 4.0}

	assigned, err := e.EvaluateAssignments("_x = posx + 1, _y = _x * 2", ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, assigned["_x"])
	assert.Equal(t, 10.0, assigned["_y"])
	// assignments land in the context too
	assert.Equal(t, 5.0, ctx["_x"])
}

func TestEvaluateAssignmentsSemicolonSeparated(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{}

	assigned, err := e.EvaluateAssignments("a = 1; b = 2", ctx)
	require.NoError(t, err)
	assert.Len(t, assigned, 2)
}

func TestEvaluateAssignmentsRejectsComparison(t *testing.T) {
	e := New()
	_, err := e.EvaluateAssignments("a == 1", map[string]interface{}{})
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"xmin": 0.5, "ymax": 20.0}

	line, err := e.Translate("G0 X[xmin + 1] Y[ymax]", ctx)
	require.NoError(t, err)
	assert.Equal(t, "G0 X1.5 Y20", line)
}

func TestTranslatePassThrough(t *testing.T) {
	e := New()
	line, err := e.Translate("G0 X10", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "G0 X10", line)
}

func TestTranslateNestedIndex(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"pts": []interface{}{1.0, 2.0, 3.0}}

	line, err := e.Translate("G0 X[pts[1]]", ctx)
	require.NoError(t, err)
	assert.Equal(t, "G0 X2", line)
}

func TestTranslateError(t *testing.T) {
	e := New()
	_, err := e.Translate("G0 X[1 +]", map[string]interface{}{})
	assert.Error(t, err)
}

func TestCompileCaching(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"posx": 1.0}
	_, err := e.Evaluate("posx + 1", ctx)
	require.NoError(t, err)
	_, err = e.Evaluate("posx + 1", ctx)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}
