package overlay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is a YAML configuration file held as a yaml.Node tree, so that
// single fields can be rewritten while comments, key order and formatting of
// everything else survive untouched.
type Document struct {
	root *yaml.Node
}

// LoadDocument reads and parses a YAML file into a Document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// ParseDocument parses YAML bytes into a Document. Empty input yields an
// empty mapping document so callers can stamp values into a blank template.
func ParseDocument(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("overlay: parsing document: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		root = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	return &Document{root: &root}, nil
}

// Get decodes the value at path into a plain Go value.
func (d *Document) Get(path ...string) (any, error) {
	node, err := d.resolve(path, false)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, joinPath(path))
	}
	var out any
	if err := node.Decode(&out); err != nil {
		return nil, fmt.Errorf("overlay: decoding %s: %w", joinPath(path), err)
	}
	return out, nil
}

// Set writes value at path, creating intermediate mappings as needed.
// Descending through a non-mapping node fails with ErrPathConflict and
// leaves the document unchanged.
func (d *Document) Set(value any, path ...string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPathConflict)
	}
	encoded := &yaml.Node{}
	if err := encoded.Encode(value); err != nil {
		return fmt.Errorf("overlay: encoding value for %s: %w", joinPath(path), err)
	}
	// Validate first: resolve without creating anything.
	existing, err := d.resolve(path, false)
	if err != nil {
		return err
	}
	if existing != nil && (existing.Kind == yaml.MappingNode) != (encoded.Kind == yaml.MappingNode) {
		return fmt.Errorf("%w: refusing to replace %s (mapping/scalar mismatch)",
			ErrPathConflict, joinPath(path))
	}
	node, err := d.resolve(path, true)
	if err != nil {
		return err
	}
	// Keep the original node's comments when overwriting in place.
	encoded.HeadComment = node.HeadComment
	encoded.LineComment = node.LineComment
	encoded.FootComment = node.FootComment
	*node = *encoded
	return nil
}

// Encode serializes the document back to YAML.
func (d *Document) Encode() ([]byte, error) {
	return yaml.Marshal(d.root)
}

// Save writes the document to path.
func (d *Document) Save(path string) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// resolve walks the mapping chain for path. With create set, missing keys
// are appended as empty mappings (or a null leaf for the final segment) and
// the leaf node is returned. Without create, a missing key returns (nil, nil)
// and a non-mapping intermediate returns ErrPathConflict.
func (d *Document) resolve(path []string, create bool) (*yaml.Node, error) {
	cur := d.root.Content[0]
	for i, key := range path {
		if cur.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: %s is not a mapping", ErrPathConflict, joinPath(path[:i]))
		}
		child := mappingValue(cur, key)
		if child == nil {
			if !create {
				return nil, nil
			}
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			if i == len(path)-1 {
				child = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
			}
			cur.Content = append(cur.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				child,
			)
		}
		cur = child
	}
	return cur, nil
}

// mappingValue returns the value node for key inside a mapping node, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
