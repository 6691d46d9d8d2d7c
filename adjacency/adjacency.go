// Package adjacency provides host-side representations of a graph's edge set
// (its adjacency), used by the GNN layers of this module.
//
// GoMLX computation graphs have static shapes, so operations that change the
// number of edges -- self-loop removal and insertion, notably -- happen on
// the host, before graph building. The resulting edge indices are embedded
// in the computation graph as constants (see gnn/layers).
//
// Two concrete representations are provided behind the shared Adjacency
// interface: EdgeList, a plain COO list of (source, target) pairs, and CSR,
// edges grouped ("compressed") by target node. Layers treat them uniformly
// and preserve the concrete type when they hand an adjacency back to the
// caller.
//
// An adjacency may be bipartite: sources and targets then index two distinct
// node sets, with independent counts.
package adjacency

import (
	. "github.com/gomlx/exceptions"
)

// Adjacency is a fixed edge set over one node set (or two, for bipartite
// graphs). Implementations are EdgeList (COO) and CSR.
//
// Adjacencies are immutable once built: functions in this package that
// modify an edge set always return a fresh copy.
type Adjacency interface {
	// NumEdges returns the number of edges.
	NumEdges() int

	// NumSourceNodes and NumTargetNodes return the sizes of the node sets
	// indexed by edge sources and edge targets. For a non-bipartite graph
	// they are the same number.
	NumSourceNodes() int
	NumTargetNodes() int

	// EdgeLists returns the source and target node index of every edge, in
	// edge order. The returned slices are owned by the adjacency and must
	// not be modified.
	EdgeLists() (sources, targets []int32)

	// Sorted reports whether targets are in non-decreasing order. Grouped
	// reductions keyed by target can run faster on some backends when this
	// is true; it always is for CSR.
	Sorted() bool
}

// EdgeList is a dense COO ("coordinate") edge list: edge i connects node
// Sources[i] to node Targets[i]. Duplicate edges and self-referencing edges
// are allowed.
type EdgeList struct {
	Sources, Targets []int32

	numSources, numTargets int
}

// NewEdgeList creates an EdgeList over a single node set of the given size.
// It panics if the slices have different lengths or if any index is out of
// range.
func NewEdgeList(sources, targets []int32, numNodes int) *EdgeList {
	return NewBipartiteEdgeList(sources, targets, numNodes, numNodes)
}

// NewBipartiteEdgeList creates an EdgeList whose sources and targets index
// two distinct node sets.
func NewBipartiteEdgeList(sources, targets []int32, numSourceNodes, numTargetNodes int) *EdgeList {
	if len(sources) != len(targets) {
		Panicf("adjacency.NewEdgeList: sources and targets must have the same length, got %d and %d",
			len(sources), len(targets))
	}
	if numSourceNodes < 0 || numTargetNodes < 0 {
		Panicf("adjacency.NewEdgeList: node counts must be non-negative, got (%d, %d)",
			numSourceNodes, numTargetNodes)
	}
	checkIndicesInRange(sources, numSourceNodes, "source")
	checkIndicesInRange(targets, numTargetNodes, "target")
	return &EdgeList{
		Sources:    sources,
		Targets:    targets,
		numSources: numSourceNodes,
		numTargets: numTargetNodes,
	}
}

func checkIndicesInRange(indices []int32, numNodes int, kind string) {
	for i, idx := range indices {
		if idx < 0 || int(idx) >= numNodes {
			Panicf("adjacency: %s index %d of edge %d is out of range [0, %d)",
				kind, idx, i, numNodes)
		}
	}
}

func (a *EdgeList) NumEdges() int       { return len(a.Sources) }
func (a *EdgeList) NumSourceNodes() int { return a.numSources }
func (a *EdgeList) NumTargetNodes() int { return a.numTargets }

func (a *EdgeList) EdgeLists() (sources, targets []int32) {
	return a.Sources, a.Targets
}

// Sorted is false for EdgeList: no ordering of targets is assumed, even if
// the caller happened to provide one.
func (a *EdgeList) Sorted() bool { return false }

// ToCSR converts the edge list to the CSR representation. The relative order
// of edges sharing a target is preserved (stable).
func (a *EdgeList) ToCSR() *CSR {
	rowStarts := make([]int32, a.numTargets+1)
	for _, t := range a.Targets {
		rowStarts[t+1]++
	}
	for i := 1; i <= a.numTargets; i++ {
		rowStarts[i] += rowStarts[i-1]
	}
	columns := make([]int32, len(a.Sources))
	cursor := make([]int32, a.numTargets)
	for i, t := range a.Targets {
		pos := rowStarts[t] + cursor[t]
		columns[pos] = a.Sources[i]
		cursor[t]++
	}
	return &CSR{
		RowStarts:  rowStarts,
		Columns:    columns,
		numSources: a.numSources,
	}
}

// CSR stores edges grouped by target node: the edges targeting node t are
// Columns[RowStarts[t]:RowStarts[t+1]], each entry being the source node
// index. RowStarts has length NumTargetNodes()+1.
type CSR struct {
	RowStarts []int32
	Columns   []int32

	numSources int

	// Caches for EdgeLists.
	targets []int32
}

// NewCSR creates a CSR adjacency. rowStarts must be non-decreasing, start at
// 0 and end at len(columns).
func NewCSR(rowStarts, columns []int32, numSourceNodes int) *CSR {
	if len(rowStarts) < 1 || rowStarts[0] != 0 || int(rowStarts[len(rowStarts)-1]) != len(columns) {
		Panicf("adjacency.NewCSR: rowStarts must start at 0 and end at len(columns)=%d, got %d entries ending in %v",
			len(columns), len(rowStarts), rowStarts[max(0, len(rowStarts)-1):])
	}
	for i := 1; i < len(rowStarts); i++ {
		if rowStarts[i] < rowStarts[i-1] {
			Panicf("adjacency.NewCSR: rowStarts must be non-decreasing, rowStarts[%d]=%d < rowStarts[%d]=%d",
				i, rowStarts[i], i-1, rowStarts[i-1])
		}
	}
	checkIndicesInRange(columns, numSourceNodes, "source")
	return &CSR{
		RowStarts:  rowStarts,
		Columns:    columns,
		numSources: numSourceNodes,
	}
}

func (a *CSR) NumEdges() int       { return len(a.Columns) }
func (a *CSR) NumSourceNodes() int { return a.numSources }
func (a *CSR) NumTargetNodes() int { return len(a.RowStarts) - 1 }

func (a *CSR) EdgeLists() (sources, targets []int32) {
	if a.targets == nil {
		a.targets = make([]int32, len(a.Columns))
		for t := 0; t < a.NumTargetNodes(); t++ {
			for i := a.RowStarts[t]; i < a.RowStarts[t+1]; i++ {
				a.targets[i] = int32(t)
			}
		}
	}
	return a.Columns, a.targets
}

// Sorted is always true for CSR: edges are grouped by target.
func (a *CSR) Sorted() bool { return true }

// ToEdgeList converts back to the COO representation, preserving edge order.
func (a *CSR) ToEdgeList() *EdgeList {
	sources, targets := a.EdgeLists()
	return &EdgeList{
		Sources:    sources,
		Targets:    targets,
		numSources: a.numSources,
		numTargets: a.NumTargetNodes(),
	}
}
