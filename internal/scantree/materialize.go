package scantree

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/scanforge/internal/overlay"
)

// ConfigFileName is the per-job configuration stamped into every directory.
const ConfigFileName = "config.yaml"

// Materialize lays a node's working directory out on disk: the generation's
// config template is stamped with the node's lineage parameters plus study
// metadata and written as config.yaml, and static files are copied in.
// Materialize is idempotent; re-running it rewrites the same content.
func (t *ScanTree) Materialize(node *ScanNode) error {
	gen, ok := t.Spec.Generation(node.Generation)
	if !ok {
		return fmt.Errorf("scantree: node %s references unknown generation %d", node.ID, node.Generation)
	}
	if err := os.MkdirAll(node.Dir, 0o755); err != nil {
		return fmt.Errorf("scantree: create %s: %w", node.Dir, err)
	}

	doc, err := loadTemplate(gen.ConfigTemplate)
	if err != nil {
		return err
	}
	if err := t.stampParams(doc, node); err != nil {
		return err
	}
	meta := []struct {
		key   string
		value any
	}{
		{"name", t.Spec.Name},
		{"node", node.ID},
		{"generation", node.Generation},
		{"job_dir", node.Dir},
	}
	for _, m := range meta {
		if err := doc.Set(m.value, "study", m.key); err != nil {
			return fmt.Errorf("scantree: node %s: stamp study.%s: %w", node.ID, m.key, err)
		}
	}
	if err := doc.Save(filepath.Join(node.Dir, ConfigFileName)); err != nil {
		return fmt.Errorf("scantree: node %s: %w", node.ID, err)
	}

	for _, src := range gen.StaticFiles {
		dst := filepath.Join(node.Dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("scantree: node %s: copy %s: %w", node.ID, src, err)
		}
	}
	return nil
}

// stampParams writes every parameter fixed along the node's lineage at the
// target path its axis declares, so descendant configs carry ancestor values.
func (t *ScanTree) stampParams(doc *overlay.Document, node *ScanNode) error {
	lineage := append(t.Ancestors(node), node)
	for _, cur := range lineage {
		gen, ok := t.Spec.Generation(cur.Generation)
		if !ok {
			continue
		}
		for _, axis := range gen.Axes {
			value, fixed := cur.Params[axis.Name]
			if !fixed {
				continue
			}
			if err := doc.Set(value, axis.TargetPath()...); err != nil {
				return fmt.Errorf("scantree: node %s: stamp %s: %w", node.ID, axis.Name, err)
			}
		}
	}
	return nil
}

func loadTemplate(path string) (*overlay.Document, error) {
	if path == "" {
		return overlay.ParseDocument(nil)
	}
	doc, err := overlay.LoadDocument(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateMissing, path)
		}
		return nil, err
	}
	return doc, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
