// Package layers implements layers and graph functions commonly used in GNN
// operations, built on top of GoMLX.
//
// The aggregation primitives ("segment" operations) reduce per-edge values
// grouped by an index vector, typically the edge target node. They are the
// aggregation phase of the message-passing pipeline; the edge-update phase is
// GatherFromNodes plus ordinary graph ops. GAT builds on both.
package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
)

// checkSegmentArgs validates a (values, indices) pair for the segment
// operations and returns indices reshaped to [numValues, 1], the form the
// scatter ops take.
func checkSegmentArgs(opName string, values, indices *Node, numSegments int) *Node {
	if values.Rank() < 1 {
		exceptions.Panicf("%s: values must have rank >= 1 with values along axis 0, got shape %s",
			opName, values.Shape())
	}
	numValues := values.Shape().Dim(0)
	if !indices.DType().IsInt() {
		exceptions.Panicf("%s: indices dtype must be an int type, got %s", opName, indices.DType())
	}
	if indices.Rank() == 1 {
		indices = ExpandAxes(indices, -1)
	}
	if indices.Shape().CheckDims(numValues, 1) != nil {
		exceptions.Panicf("%s: indices must be shaped [%d] or [%d, 1], got shape %s",
			opName, numValues, numValues, indices.Shape())
	}
	if numSegments < 0 {
		exceptions.Panicf("%s: numSegments must be non-negative, got %d", opName, numSegments)
	}
	return indices
}

func segmentDims(values *Node, numSegments int) []int {
	dims := append([]int{numSegments}, values.Shape().Dimensions[1:]...)
	return dims
}

// SegmentSum sums the rows of values (shaped [numValues, ...]) grouped by
// indices, returning shape [numSegments, ...]. Empty segments are zero.
//
// Set sorted when indices are in non-decreasing order (e.g. they come from a
// CSR adjacency); it allows a faster implementation on some platforms but is
// undefined if the indices are not actually sorted.
func SegmentSum(values, indices *Node, numSegments int, sorted bool) *Node {
	indices = checkSegmentArgs("SegmentSum", values, indices, numSegments)
	g := values.Graph()
	operand := Zeros(g, shapes.Make(values.DType(), segmentDims(values, numSegments)...))
	return ScatterSum(operand, indices, values, sorted, false)
}

// SegmentMax takes the row-wise max of values (shaped [numValues, ...])
// grouped by indices, returning shape [numSegments, ...]. Empty segments are
// -Inf.
func SegmentMax(values, indices *Node, numSegments int, sorted bool) *Node {
	indices = checkSegmentArgs("SegmentMax", values, indices, numSegments)
	g := values.Graph()
	dtype := values.DType()
	operand := BroadcastToDims(Infinity(g, dtype, -1), segmentDims(values, numSegments)...)
	return ScatterMax(operand, indices, values, sorted, false)
}

// SegmentSoftmax computes a softmax of logits (shaped [numValues, ...])
// within each group of rows sharing an index:
//
//	denominator[s] = \sum_{i : indices[i] = s} exp(logits[i])
//	result[i] = exp(logits[i]) / denominator[indices[i]]
//
// The trailing axes are independent: per-head logits shaped
// [numValues, 1, numHeads] need no reshaping.
//
// It is numerically stabilized by subtracting each group's max (excluded from
// the gradient) before exponentiating, and empty groups cause no division by
// zero. If logits has no rows it is returned unchanged.
//
// logitsMask, if not nil, must be a bool tensor shaped like logits or like a
// leading prefix of it ([numValues], say); masked-out rows contribute nothing
// and get weight 0.
func SegmentSoftmax(logits, logitsMask, indices *Node, numSegments int, sorted bool) *Node {
	if !logits.DType().IsFloat() {
		exceptions.Panicf("SegmentSoftmax: logits dtype must be float, got %s", logits.DType())
	}
	if logits.Shape().Dim(0) == 0 {
		return logits
	}
	indices = checkSegmentArgs("SegmentSoftmax", logits, indices, numSegments)
	g := logits.Graph()
	dtype := logits.DType()
	zero := ScalarZero(g, dtype)
	one := ScalarOne(g, dtype)
	negInf := Infinity(g, dtype, -1)

	// Subtract each group's max before exponentiating. Does not change the
	// result but keeps Exp in range.
	tmpLogits := logits
	if logitsMask != nil {
		tmpLogits = Where(logitsMask, logits, negInf)
	}
	normalizingMax := BroadcastToDims(negInf, segmentDims(logits, numSegments)...)
	normalizingMax = ScatterMax(normalizingMax, indices, tmpLogits, sorted, false)
	normalizingMax = StopGradient(Gather(normalizingMax, indices, sorted))
	// Groups whose max is still -Inf have no (unmasked) members; zero the
	// correction there so the subtraction stays finite.
	normalizingMax = Where(Equal(normalizingMax, negInf), ZerosLike(normalizingMax), normalizingMax)

	expLogits := Exp(Sub(logits, normalizingMax))
	if logitsMask != nil {
		expLogits = Where(logitsMask, expLogits, zero)
	}

	sumExpLogits := Zeros(g, shapes.Make(dtype, segmentDims(logits, numSegments)...))
	sumExpLogits = ScatterSum(sumExpLogits, indices, expLogits, sorted, false)
	// Avoid 0/0 on fully masked groups.
	sumExpLogits = Where(Equal(sumExpLogits, zero), one, sumExpLogits)
	sumExpLogits = Gather(sumExpLogits, indices, sorted)

	return Div(expLogits, sumExpLogits)
}
