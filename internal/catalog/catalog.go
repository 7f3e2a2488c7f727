// Package catalog resolves test ids into the definitions a Job snapshots at
// creation time. Discovering and compiling tests happens elsewhere; this
// package only reads what that process produced.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Test struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	File   string `json:"file" yaml:"file"`
	Manual bool   `json:"manual" yaml:"manual"`
}

type Catalog interface {
	Resolve(ctx context.Context, ids []string) ([]Test, error)
}

type UnknownTestsError struct {
	IDs []string
}

func (e *UnknownTestsError) Error() string {
	return "unknown tests: " + strings.Join(e.IDs, ", ")
}

// Static is an in-memory catalog.
type Static struct {
	mu    sync.RWMutex
	tests map[string]Test
}

func NewStatic(tests ...Test) *Static {
	s := &Static{tests: make(map[string]Test, len(tests))}
	for _, test := range tests {
		s.Put(test)
	}
	return s
}

func (s *Static) Put(test Test) {
	test.ID = strings.TrimSpace(test.ID)
	if test.Name == "" {
		test.Name = test.ID
	}
	s.mu.Lock()
	s.tests[test.ID] = test
	s.mu.Unlock()
}

// Resolve returns tests in the requested order, skipping duplicate ids.
func (s *Static) Resolve(_ context.Context, ids []string) ([]Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	out := make([]Test, 0, len(ids))
	var missing []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		test, ok := s.tests[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, test)
	}
	if len(missing) > 0 {
		return nil, &UnknownTestsError{IDs: missing}
	}
	return out, nil
}

type fileFormat struct {
	Tests []Test `yaml:"tests"`
}

// LoadFile reads a YAML catalog of the form:
//
//	tests:
//	  - id: login
//	    file: tests/login.js
//	    manual: false
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, test := range parsed.Tests {
		if strings.TrimSpace(test.ID) == "" {
			return nil, fmt.Errorf("catalog %s: test %d has no id", path, i)
		}
	}
	return NewStatic(parsed.Tests...), nil
}

// AcceptAll resolves every non-empty id to a unit test named after it.
type AcceptAll struct{}

func (AcceptAll) Resolve(_ context.Context, ids []string) ([]Test, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]Test, 0, len(ids))
	var missing []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			missing = append(missing, id)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Test{ID: id, Name: id})
	}
	if len(missing) > 0 {
		return nil, &UnknownTestsError{IDs: missing}
	}
	return out, nil
}
