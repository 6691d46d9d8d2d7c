package adjacency

import (
	. "github.com/gomlx/exceptions"
)

// FillKind selects how edge attributes for inserted self-loops are produced.
type FillKind int

const (
	// FillKindMean fills loop attributes with the mean of the surviving edge
	// attributes. The mean is taken over all edges at once, not per node.
	FillKindMean FillKind = iota

	// FillKindScalar fills every attribute channel with one constant.
	FillKindScalar

	// FillKindVector fills each loop's attribute row with a fixed vector. The
	// vector length must match the edge attribute dimension.
	FillKindVector
)

// FillValue is the policy for edge attributes of inserted self-loops. The
// zero value is FillMean().
type FillValue struct {
	Kind   FillKind
	Scalar float64
	Vector []float64
}

// FillMean fills self-loop attributes with the global mean of the surviving
// edge attributes.
func FillMean() FillValue { return FillValue{Kind: FillKindMean} }

// FillScalar fills every self-loop attribute channel with value.
func FillScalar(value float64) FillValue {
	return FillValue{Kind: FillKindScalar, Scalar: value}
}

// FillVector fills each self-loop attribute row with the given vector.
func FillVector(vector []float64) FillValue {
	return FillValue{Kind: FillKindVector, Vector: vector}
}

// Augmentation records how an augmented edge set relates to the edge set it
// was derived from, so that per-edge tensors (edge attributes, typically) can
// be rebuilt for the augmented set inside a computation graph:
//
//  1. Gather the rows listed in Kept from the original per-edge tensor
//     (Kept == nil means all original rows, in order).
//  2. Append NumLoops fill rows.
//  3. If Order != nil, permute rows so row i of the result is row Order[i]
//     of the concatenation from steps 1-2.
type Augmentation struct {
	// Kept lists, in order, the positions in the original edge list of the
	// edges that survived. nil means every original edge survived, in order.
	Kept []int32

	// NumLoops is the number of self-loop edges appended after the kept ones.
	NumLoops int

	// Order is the permutation from the (kept, loops) concatenation to the
	// final edge order, or nil for identity. CSR augmentation needs it, since
	// inserted loops interleave with kept edges to stay grouped by target.
	Order []int32
}

// Identity reports whether the augmentation is a no-op: every edge kept in
// place, no loops added.
func (aug *Augmentation) Identity() bool {
	return aug.Kept == nil && aug.NumLoops == 0 && aug.Order == nil
}

// RemoveSelfLoops returns a copy of adj without self-referencing edges, in
// the same concrete representation, plus the Augmentation mapping the result
// back to adj's edge order.
func RemoveSelfLoops(adj Adjacency) (Adjacency, *Augmentation) {
	sources, targets := adj.EdgeLists()
	var kept []int32
	for i := range sources {
		if sources[i] != targets[i] {
			kept = append(kept, int32(i))
		}
	}
	if len(kept) == len(sources) {
		kept = nil // Nothing removed.
	}
	aug := &Augmentation{Kept: kept}
	if kept == nil {
		return adj, aug
	}
	newSources := make([]int32, len(kept))
	newTargets := make([]int32, len(kept))
	for i, pos := range kept {
		newSources[i] = sources[pos]
		newTargets[i] = targets[pos]
	}
	switch adj.(type) {
	case *CSR:
		// Removal preserves grouping by target.
		el := &EdgeList{
			Sources:    newSources,
			Targets:    newTargets,
			numSources: adj.NumSourceNodes(),
			numTargets: adj.NumTargetNodes(),
		}
		return el.ToCSR(), aug
	default:
		return &EdgeList{
			Sources:    newSources,
			Targets:    newTargets,
			numSources: adj.NumSourceNodes(),
			numTargets: adj.NumTargetNodes(),
		}, aug
	}
}

// AddSelfLoops returns a copy of adj with one (i, i) edge added for each node
// i in [0, numLoopNodes), in the same concrete representation, plus the
// Augmentation describing the insertion. It does not check for pre-existing
// loops; call RemoveSelfLoops first (or use AugmentWithSelfLoops) to
// guarantee exactly one loop per node.
//
// numLoopNodes must not exceed either node count; for bipartite adjacencies
// the caller typically passes min(NumSourceNodes, NumTargetNodes).
func AddSelfLoops(adj Adjacency, numLoopNodes int) (Adjacency, *Augmentation) {
	if numLoopNodes < 0 || numLoopNodes > adj.NumSourceNodes() || numLoopNodes > adj.NumTargetNodes() {
		Panicf("adjacency.AddSelfLoops: numLoopNodes=%d must be in [0, min(%d, %d)]",
			numLoopNodes, adj.NumSourceNodes(), adj.NumTargetNodes())
	}
	if numLoopNodes == 0 {
		return adj, &Augmentation{}
	}
	sources, targets := adj.EdgeLists()
	numKept := len(sources)

	if csr, ok := adj.(*CSR); ok {
		// Interleave the loop for target t right after t's existing edges,
		// keeping the result grouped by target.
		numTargets := csr.NumTargetNodes()
		total := numKept + numLoopNodes
		rowStarts := make([]int32, numTargets+1)
		columns := make([]int32, 0, total)
		order := make([]int32, 0, total)
		for t := 0; t < numTargets; t++ {
			rowStarts[t] = int32(len(columns))
			for i := csr.RowStarts[t]; i < csr.RowStarts[t+1]; i++ {
				columns = append(columns, csr.Columns[i])
				order = append(order, i)
			}
			if t < numLoopNodes {
				columns = append(columns, int32(t))
				order = append(order, int32(numKept+t))
			}
		}
		rowStarts[numTargets] = int32(len(columns))
		return &CSR{
				RowStarts:  rowStarts,
				Columns:    columns,
				numSources: csr.numSources,
			}, &Augmentation{
				NumLoops: numLoopNodes,
				Order:    order,
			}
	}

	newSources := make([]int32, numKept, numKept+numLoopNodes)
	newTargets := make([]int32, numKept, numKept+numLoopNodes)
	copy(newSources, sources)
	copy(newTargets, targets)
	for i := 0; i < numLoopNodes; i++ {
		newSources = append(newSources, int32(i))
		newTargets = append(newTargets, int32(i))
	}
	return &EdgeList{
			Sources:    newSources,
			Targets:    newTargets,
			numSources: adj.NumSourceNodes(),
			numTargets: adj.NumTargetNodes(),
		}, &Augmentation{
			NumLoops: numLoopNodes,
		}
}

// AugmentWithSelfLoops removes existing self-loops and then adds exactly one
// (i, i) edge per node i in [0, numLoopNodes). The result uses the same
// concrete representation as adj; the single returned Augmentation maps the
// result back to adj's original edge order.
func AugmentWithSelfLoops(adj Adjacency, numLoopNodes int) (Adjacency, *Augmentation) {
	removed, removeAug := RemoveSelfLoops(adj)
	added, addAug := AddSelfLoops(removed, numLoopNodes)
	return added, &Augmentation{
		Kept:     removeAug.Kept,
		NumLoops: addAug.NumLoops,
		Order:    addAug.Order,
	}
}
