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

package macro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhangun/cncd/pkg/errors"
)

func TestUpsertAndGet(t *testing.T) {
	s := NewStore()
	m := s.Upsert("probe-z", "G38.2 Z-10 F50", time.Unix(100, 0))
	require.NotEmpty(t, m.ID)

	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "probe-z", got.Name)
	assert.Equal(t, "G38.2 Z-10 F50", got.Content)
}

func TestUpsertKeepsIDAcrossUpdates(t *testing.T) {
	s := NewStore()
	first := s.Upsert("homing", "G28.2 X0 Y0", time.Unix(100, 0))
	second := s.Upsert("homing", "G28.2 X0 Y0 Z0", time.Unix(200, 0))

	assert.Equal(t, first.ID, second.ID)
	got, err := s.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "G28.2 X0 Y0 Z0", got.Content)
	assert.Equal(t, time.Unix(200, 0), got.MTime)
}

func TestGetUnknownID(t *testing.T) {
	s := NewStore()
	_, err := s.Get("no-such-id")
	assert.True(t, errors.IsNotFound(err))
}

func TestRemove(t *testing.T) {
	s := NewStore()
	m := s.Upsert("facing", "G0 X0 Y0", time.Now())
	s.Remove("facing")
	_, err := s.Get(m.ID)
	assert.Error(t, err)
	assert.Empty(t, s.List())
}

func TestListSortedByName(t *testing.T) {
	s := NewStore()
	s.Upsert("b", "G1", time.Now())
	s.Upsert("a", "G0", time.Now())

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
}
