package scantree

import (
	"fmt"
	"path/filepath"
)

// ScanNode is one job position in the expanded study forest.
type ScanNode struct {
	// ID is the slash-joined relative path of the node under the study root.
	// It is deterministic: two expansions of the same spec assign the same
	// IDs in the same order.
	ID string
	// Generation is the 1-based stage index of the node.
	Generation int
	// Dir is the node's working directory, absolute once the tree is rooted.
	Dir string
	// Params maps axis name to the value this node fixes, covering this
	// node's generation only. Ancestor parameters live on the ancestors.
	Params map[string]any

	parent int
}

// ScanTree is the expanded forest. Nodes are stored in a flat arena in
// deterministic depth-last order (all of generation 1, then generation 2,
// and so on); parent links are arena indices.
type ScanTree struct {
	Spec  *StudySpec
	nodes []*ScanNode
	byID  map[string]int
}

// Expand builds the scan tree for a validated spec. The cross product of each
// generation's axes is taken with the first axis varying slowest, and every
// point is attached under every node of the previous generation.
func Expand(spec *StudySpec) (*ScanTree, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	tree := &ScanTree{
		Spec: spec,
		byID: make(map[string]int),
	}
	// Arena indices of the previous generation's nodes; -1 stands for the
	// virtual root above generation 1.
	parents := []int{-1}
	for _, gen := range spec.Generations {
		points := crossProduct(gen.Axes)
		next := make([]int, 0, len(parents)*len(points))
		for _, parent := range parents {
			for _, point := range points {
				segment := point.dirName()
				if segment == "" {
					segment = fmt.Sprintf("generation_%d", gen.Index)
				}
				id := segment
				dir := filepath.Join(spec.Root, segment)
				if parent >= 0 {
					id = tree.nodes[parent].ID + "/" + segment
					dir = filepath.Join(tree.nodes[parent].Dir, segment)
				}
				if _, dup := tree.byID[id]; dup {
					return nil, fmt.Errorf("scantree: duplicate node id %q", id)
				}
				params := make(map[string]any, len(gen.Axes))
				for j, name := range point.names {
					params[name] = point.values[j]
				}
				node := &ScanNode{
					ID:         id,
					Generation: gen.Index,
					Dir:        dir,
					Params:     params,
					parent:     parent,
				}
				tree.byID[id] = len(tree.nodes)
				tree.nodes = append(tree.nodes, node)
				next = append(next, tree.byID[id])
			}
		}
		parents = next
	}
	return tree, nil
}

// Nodes returns all nodes in deterministic expansion order.
func (t *ScanTree) Nodes() []*ScanNode {
	return t.nodes
}

// Len returns the number of nodes in the tree.
func (t *ScanTree) Len() int {
	return len(t.nodes)
}

// Node looks a node up by its ID.
func (t *ScanTree) Node(id string) (*ScanNode, bool) {
	idx, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.nodes[idx], true
}

// Parent returns the parent node, or nil for generation 1 nodes.
func (t *ScanTree) Parent(node *ScanNode) *ScanNode {
	if node.parent < 0 {
		return nil
	}
	return t.nodes[node.parent]
}

// Ancestors returns the node's lineage from its generation 1 root down to its
// direct parent. Generation 1 nodes get an empty slice.
func (t *ScanTree) Ancestors(node *ScanNode) []*ScanNode {
	var chain []*ScanNode
	for cur := t.Parent(node); cur != nil; cur = t.Parent(cur) {
		chain = append(chain, cur)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Children returns the direct children of a node in expansion order.
func (t *ScanTree) Children(node *ScanNode) []*ScanNode {
	parentIdx, ok := t.byID[node.ID]
	if !ok {
		return nil
	}
	var children []*ScanNode
	for _, candidate := range t.nodes {
		if candidate.parent == parentIdx {
			children = append(children, candidate)
		}
	}
	return children
}

// LineageParams flattens the parameters fixed along the node's lineage,
// including the node's own, with deeper generations winning on name clashes.
func (t *ScanTree) LineageParams(node *ScanNode) map[string]any {
	merged := make(map[string]any)
	for _, ancestor := range t.Ancestors(node) {
		for name, value := range ancestor.Params {
			merged[name] = value
		}
	}
	for name, value := range node.Params {
		merged[name] = value
	}
	return merged
}
