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

// Package macro keeps the in-memory registry of named g-code snippets
// discovered in the watch directory or registered by clients.
package macro

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bhangun/cncd/pkg/errors"
)

// Macro is a named g-code snippet.
type Macro struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Content string    `json:"content"`
	MTime   time.Time `json:"mtime"`
}

// Store is a concurrency-safe macro registry.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Macro
	byName map[string]string // name -> id
}

// NewStore creates an empty macro store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Macro),
		byName: make(map[string]string),
	}
}

// Upsert registers a macro under its name, replacing content of an
// existing one. The macro keeps its ID across updates.
func (s *Store) Upsert(name, content string, mtime time.Time) *Macro {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		m := s.byID[id]
		m.Content = content
		m.MTime = mtime
		return m
	}

	m := &Macro{
		ID:      uuid.NewString(),
		Name:    name,
		Content: content,
		MTime:   mtime,
	}
	s.byID[m.ID] = m
	s.byName[name] = m.ID
	return m
}

// Get returns the macro with the given ID.
func (s *Store) Get(id string) (*Macro, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "macro", ID: id}
	}
	return m, nil
}

// Remove deletes the macro registered under name, if present.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		delete(s.byID, id)
		delete(s.byName, name)
	}
}

// List returns all macros sorted by name.
func (s *Store) List() []*Macro {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Macro, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
