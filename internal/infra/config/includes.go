package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeChain bounds how many files deep an includes chain may run,
// counting the main file.
const maxIncludeChain = 8

var (
	ErrIncludeCycle  = errors.New("include cycle")
	ErrIncludeDepth  = errors.New("include chain too deep")
	ErrIncludeEscape = errors.New("include escapes config directory")
	ErrIncludeFormat = errors.New("unsupported fragment format")
)

// IncludeError reports a failure while resolving the includes key. Chain
// holds the files from the main config down to the one that failed.
type IncludeError struct {
	Chain   []string
	Pattern string
	Err     error
}

func (e *IncludeError) Error() string {
	names := make([]string, len(e.Chain))
	for i, p := range e.Chain {
		names[i] = filepath.Base(p)
	}
	msg := "config includes: " + strings.Join(names, " -> ")
	if e.Pattern != "" {
		msg += fmt.Sprintf(": %q", e.Pattern)
	}
	return msg + ": " + e.Err.Error()
}

func (e *IncludeError) Unwrap() error { return e.Err }

type fragment struct {
	path string
	data []byte
}

// includeHead is decoded from every file before the full Config so the
// include graph is known without mutating the result.
type includeHead struct {
	Includes []string `yaml:"includes" toml:"includes"`
}

type planner struct {
	root  string
	seen  map[string]bool
	order []fragment
}

// planFragments walks the include graph rooted at mainPath and returns the
// files in decode order. Each file follows everything it includes, so an
// including file overrides its fragments and the main file is always last.
// A fragment reached twice through different parents is decoded once.
func planFragments(mainPath string, data []byte) ([]fragment, error) {
	p := &planner{root: filepath.Dir(mainPath), seen: map[string]bool{}}
	if err := p.visit([]string{mainPath}, data); err != nil {
		return nil, err
	}
	return p.order, nil
}

func (p *planner) visit(chain []string, data []byte) error {
	path := chain[len(chain)-1]
	p.seen[path] = true

	var head includeHead
	if err := decode(path, data, &head); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, pattern := range head.Includes {
		paths, err := p.expand(path, pattern)
		if err != nil {
			return &IncludeError{Chain: chain, Pattern: pattern, Err: err}
		}
		for _, inc := range paths {
			if containsPath(chain, inc) {
				return &IncludeError{Chain: append(clonePaths(chain), inc), Err: ErrIncludeCycle}
			}
			if p.seen[inc] {
				continue
			}
			if len(chain) >= maxIncludeChain {
				return &IncludeError{Chain: append(clonePaths(chain), inc), Err: ErrIncludeDepth}
			}
			if err := validatePermissions(inc); err != nil {
				return &IncludeError{Chain: chain, Pattern: pattern, Err: err}
			}
			fragData, err := os.ReadFile(inc)
			if err != nil {
				return &IncludeError{Chain: chain, Pattern: pattern, Err: err}
			}
			if err := p.visit(append(clonePaths(chain), inc), fragData); err != nil {
				return err
			}
		}
	}

	p.order = append(p.order, fragment{path: path, data: data})
	return nil
}

// expand resolves one includes entry relative to the file naming it.
// Absolute entries are taken as given; relative ones must stay under the
// main config's directory. A glob skips files that are not YAML or TOML so a
// conf.d directory may hold notes alongside fragments. A plain path that
// matches nothing is an error; an empty glob is not.
func (p *planner) expand(from, pattern string) ([]string, error) {
	full := pattern
	if !filepath.IsAbs(pattern) {
		full = filepath.Join(filepath.Dir(from), pattern)
		if !within(p.root, full) {
			return nil, ErrIncludeEscape
		}
	}

	if !strings.ContainsAny(pattern, "*?[") {
		if !isFragment(full) {
			return nil, fmt.Errorf("%w: %s", ErrIncludeFormat, filepath.Ext(full))
		}
		if _, err := os.Stat(full); err != nil {
			return nil, err
		}
		return []string{filepath.Clean(full)}, nil
	}

	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if isFragment(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func isFragment(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func containsPath(chain []string, path string) bool {
	for _, p := range chain {
		if p == path {
			return true
		}
	}
	return false
}

func clonePaths(chain []string) []string {
	return append([]string(nil), chain...)
}
