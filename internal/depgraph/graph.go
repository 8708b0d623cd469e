// Package depgraph derives submission readiness from the scan tree and the
// persisted job records: which jobs may be handed to a backend now, and
// which lineages are dead and should be written off.
package depgraph

import (
	"errors"
	"fmt"

	"github.com/vk/scanforge/internal/jobstore"
	"github.com/vk/scanforge/internal/scantree"
)

// ErrBrokenReference is returned when a required role has no providing
// ancestor. The whole lineage below the broken node can never run.
var ErrBrokenReference = errors.New("depgraph: required role has no provider")

// Graph binds an expanded scan tree to the record set it is judged against.
type Graph struct {
	tree *scantree.ScanTree
}

// New creates a dependency graph over the tree.
func New(tree *scantree.ScanTree) *Graph {
	return &Graph{tree: tree}
}

// Result is one readiness evaluation over a record snapshot.
type Result struct {
	// Ready lists nodes eligible for submission, in tree order. Failed
	// nodes appear here too; retry budgets are the caller's concern.
	Ready []*scantree.ScanNode
	// Doomed lists non-terminal nodes that can never finish because an
	// ancestor was abandoned or a role reference is broken. The caller
	// should move them to abandoned.
	Doomed []*scantree.ScanNode
}

// Ready evaluates which jobs may be submitted given the records. A node is
// ready when its own record is configured or failed, its parent (if any) is
// finished, and every required role resolves to a finished providing
// ancestor. With oneGenerationAtATime set, the ready set is cropped to the
// lowest generation that still has non-terminal jobs, so a whole stage
// settles before the next one starts.
func (g *Graph) Ready(records map[string]jobstore.Record, oneGenerationAtATime bool) Result {
	var res Result
	lowestActive := 0
	for _, node := range g.tree.Nodes() {
		rec, ok := records[node.ID]
		if !ok {
			continue
		}
		if rec.Status.Terminal() {
			continue
		}
		if lowestActive == 0 || node.Generation < lowestActive {
			lowestActive = node.Generation
		}
		if g.lineageDead(node, records) {
			res.Doomed = append(res.Doomed, node)
			continue
		}
		if rec.Status != jobstore.StatusConfigured && rec.Status != jobstore.StatusFailed {
			continue
		}
		if !g.parentFinished(node, records) {
			continue
		}
		if !g.providersFinished(node, records) {
			continue
		}
		res.Ready = append(res.Ready, node)
	}
	if oneGenerationAtATime && lowestActive > 0 {
		cropped := res.Ready[:0]
		for _, node := range res.Ready {
			if node.Generation == lowestActive {
				cropped = append(cropped, node)
			}
		}
		res.Ready = cropped
	}
	return res
}

// lineageDead reports whether the node can never finish: an ancestor is
// abandoned, or one of its required roles resolves to no ancestor.
func (g *Graph) lineageDead(node *scantree.ScanNode, records map[string]jobstore.Record) bool {
	for _, ancestor := range g.tree.Ancestors(node) {
		if rec, ok := records[ancestor.ID]; ok && rec.Status == jobstore.StatusAbandoned {
			return true
		}
	}
	gen, ok := g.tree.Spec.Generation(node.Generation)
	if !ok {
		return true
	}
	for _, role := range gen.Requires {
		if _, err := g.provider(node, role); err != nil {
			return true
		}
	}
	return false
}

func (g *Graph) parentFinished(node *scantree.ScanNode, records map[string]jobstore.Record) bool {
	parent := g.tree.Parent(node)
	if parent == nil {
		return true
	}
	rec, ok := records[parent.ID]
	return ok && rec.Status == jobstore.StatusFinished
}

func (g *Graph) providersFinished(node *scantree.ScanNode, records map[string]jobstore.Record) bool {
	gen, ok := g.tree.Spec.Generation(node.Generation)
	if !ok {
		return false
	}
	for _, role := range gen.Requires {
		provider, err := g.provider(node, role)
		if err != nil {
			return false
		}
		rec, ok := records[provider.ID]
		if !ok || rec.Status != jobstore.StatusFinished {
			return false
		}
	}
	return true
}

// provider resolves a role to the nearest ancestor whose generation provides
// it.
func (g *Graph) provider(node *scantree.ScanNode, role string) (*scantree.ScanNode, error) {
	ancestors := g.tree.Ancestors(node)
	for i := len(ancestors) - 1; i >= 0; i-- {
		gen, ok := g.tree.Spec.Generation(ancestors[i].Generation)
		if !ok {
			continue
		}
		for _, provided := range gen.Provides {
			if provided == role {
				return ancestors[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q for node %s", ErrBrokenReference, role, node.ID)
}

// ProviderDirs resolves every required role of the node's generation to the
// providing ancestor's working directory, for stage-in links.
func (g *Graph) ProviderDirs(node *scantree.ScanNode) (map[string]string, error) {
	gen, ok := g.tree.Spec.Generation(node.Generation)
	if !ok {
		return nil, fmt.Errorf("depgraph: node %s references unknown generation %d", node.ID, node.Generation)
	}
	dirs := make(map[string]string, len(gen.Requires))
	for _, role := range gen.Requires {
		provider, err := g.provider(node, role)
		if err != nil {
			return nil, err
		}
		dirs[role] = provider.Dir
	}
	return dirs, nil
}
