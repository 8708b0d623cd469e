// Package overlay implements path-addressed mutation and merging of nested
// key-value configuration trees.
//
// A configuration tree is a map[string]any whose values are scalars, slices,
// or further map[string]any levels. Every mutation is addressed by a path
// (a slice of keys) and is validated against the whole path before any write
// happens, so a caller never observes a partially applied operation.
//
// The package deliberately refuses ambiguous writes: replacing a scalar with
// a mapping (or the reverse) through a path is reported as ErrPathConflict
// instead of being merged by guesswork.
package overlay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the path does not resolve to a value.
	ErrNotFound = errors.New("overlay: path not found")

	// ErrPathConflict is returned when an operation would descend through, or
	// silently replace, a value of the wrong shape (scalar where a mapping is
	// required, or vice versa).
	ErrPathConflict = errors.New("overlay: path conflict")
)

// Get resolves path inside base and returns the value found at its end.
func Get(base map[string]any, path ...string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	cur := base
	for i, key := range path[:len(path)-1] {
		next, ok := cur[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, joinPath(path[:i+1]))
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a mapping", ErrPathConflict, joinPath(path[:i+1]))
		}
		cur = m
	}
	v, ok := cur[path[len(path)-1]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, joinPath(path))
	}
	return v, nil
}

// Set writes value at path inside base, creating intermediate mappings as
// needed. The full path is validated before base is touched. Overwriting a
// scalar with a scalar is fine; swapping a mapping for a scalar (or a scalar
// for a mapping) fails with ErrPathConflict.
func Set(base map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPathConflict)
	}
	if err := validateSet(base, path, value); err != nil {
		return err
	}
	cur := base
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key]
		if !ok {
			m := make(map[string]any)
			cur[key] = m
			cur = m
			continue
		}
		cur = next.(map[string]any)
	}
	cur[path[len(path)-1]] = value
	return nil
}

// Merge applies every leaf path of src onto dst with Set semantics. src is
// not modified. The whole merge is validated up front, so a conflicting
// overlay leaves dst untouched. Merging the same overlay twice is a no-op
// the second time.
func Merge(dst, src map[string]any) error {
	if err := validateMerge(dst, src, nil); err != nil {
		return err
	}
	applyMerge(dst, src)
	return nil
}

func validateSet(base map[string]any, path []string, value any) error {
	cur := base
	for i, key := range path[:len(path)-1] {
		next, ok := cur[key]
		if !ok {
			// The rest of the path will be created fresh; nothing to conflict with.
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s is not a mapping", ErrPathConflict, joinPath(path[:i+1]))
		}
		cur = m
	}
	existing, ok := cur[path[len(path)-1]]
	if !ok {
		return nil
	}
	_, existingIsMap := existing.(map[string]any)
	_, valueIsMap := value.(map[string]any)
	if existingIsMap != valueIsMap {
		return fmt.Errorf("%w: refusing to replace %s (mapping/scalar mismatch)",
			ErrPathConflict, joinPath(path))
	}
	return nil
}

func validateMerge(dst, src map[string]any, prefix []string) error {
	for key, sv := range src {
		path := append(prefix[:len(prefix):len(prefix)], key)
		dv, ok := dst[key]
		if !ok {
			continue
		}
		sm, srcIsMap := sv.(map[string]any)
		dm, dstIsMap := dv.(map[string]any)
		switch {
		case srcIsMap && dstIsMap:
			if err := validateMerge(dm, sm, path); err != nil {
				return err
			}
		case srcIsMap != dstIsMap:
			return fmt.Errorf("%w: refusing to merge %s (mapping/scalar mismatch)",
				ErrPathConflict, joinPath(path))
		}
	}
	return nil
}

func applyMerge(dst, src map[string]any) {
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			dm, ok := dst[key].(map[string]any)
			if !ok {
				dm = make(map[string]any)
				dst[key] = dm
			}
			applyMerge(dm, sm)
			continue
		}
		dst[key] = sv
	}
}

func joinPath(path []string) string {
	return strings.Join(path, ".")
}
