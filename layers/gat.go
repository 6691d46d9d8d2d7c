package layers

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	mllayers "github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/gnn/adjacency"
)

// GATBuilder is a helper to build a graph-attention (GAT) convolution. It is
// created with GAT, optionally configured with the various methods and
// finalized with Done or DoneWithAttention.
type GATBuilder struct {
	ctx  *context.Context
	x    *Node
	adj  adjacency.Adjacency
	g    *Graph
	done bool

	outChannels   int
	numHeads      int
	concat        bool
	negativeSlope float64
	dropoutRate   float64
	addSelfLoops  bool
	fill          adjacency.FillValue
	edgeAttr      *Node

	numSourceNodes, numTargetNodes int

	augmentedEdgeAttr *Node
}

// GAT performs a graph-attention convolution over node features x, shaped
// [batchSize, numNodes, numChannels], along the edges of adj: each node's new
// embedding is an attention-weighted sum of its (projected) in-neighbor
// features, the attention weight of an edge depending on both endpoints.
//
// x must be rank-3; the rank-2 "static graph" form is not supported and
// panics. adj's node indices (sources and targets both) index x's second
// axis.
//
// The output shape is [batchSize, numTargetNodes, numHeads*outChannels], or
// [batchSize, numTargetNodes, outChannels] if ConcatHeads(false).
//
// It returns a GATBuilder for further configuration. Call Done or
// DoneWithAttention when finished:
//
//	logits := layers.GAT(ctx.In("conv1"), x, adj, 8).NumHeads(4).Done()
//
// The layer's weights (one dense projection and the two attention vectors)
// are created in ctx scope "gat", glorot-uniform initialized.
func GAT(ctx *context.Context, x *Node, adj adjacency.Adjacency, outChannels int) *GATBuilder {
	if x.Rank() != 3 {
		exceptions.Panicf("GAT: node features must be rank-3, shaped [batchSize, numNodes, numChannels]; "+
			"rank-2 static graphs are not supported, got shape %s", x.Shape())
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("GAT: node features dtype must be float, got %s", x.DType())
	}
	if outChannels < 1 {
		exceptions.Panicf("GAT: outChannels must be >= 1, got %d", outChannels)
	}
	numNodes := x.Shape().Dim(1)
	if adj.NumSourceNodes() > numNodes || adj.NumTargetNodes() > numNodes {
		exceptions.Panicf("GAT: adjacency indexes %d source and %d target nodes, but x only provides %d "+
			"(shape %s)", adj.NumSourceNodes(), adj.NumTargetNodes(), numNodes, x.Shape())
	}
	return &GATBuilder{
		ctx:            ctx,
		x:              x,
		adj:            adj,
		g:              x.Graph(),
		outChannels:    outChannels,
		numHeads:       1,
		concat:         true,
		negativeSlope:  0.2,
		addSelfLoops:   true,
		fill:           adjacency.FillMean(),
		numSourceNodes: adj.NumSourceNodes(),
		numTargetNodes: adj.NumTargetNodes(),
	}
}

// NumHeads configures the number of independent attention heads. Default is 1.
func (b *GATBuilder) NumHeads(numHeads int) *GATBuilder {
	if numHeads < 1 {
		exceptions.Panicf("GAT: numHeads must be >= 1, got %d", numHeads)
	}
	b.numHeads = numHeads
	return b
}

// ConcatHeads configures whether the head outputs are concatenated (the
// default, output width numHeads*outChannels) or averaged (output width
// outChannels).
func (b *GATBuilder) ConcatHeads(concat bool) *GATBuilder {
	b.concat = concat
	return b
}

// NegativeSlope configures the slope of the leaky-relu applied to the raw
// attention scores. Default is 0.2.
func (b *GATBuilder) NegativeSlope(slope float64) *GATBuilder {
	b.negativeSlope = slope
	return b
}

// Dropout configures dropout of the normalized attention weights, applied
// only during training. Default is 0, meaning no dropout.
func (b *GATBuilder) Dropout(rate float64) *GATBuilder {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("GAT: dropout rate must be in [0, 1), got %g", rate)
	}
	b.dropoutRate = rate
	return b
}

// AddSelfLoops configures whether self-loops are (re-)inserted before
// attention, so every node attends to itself: existing self-loops are
// removed and exactly one is added per node that appears in both node sets
// (node index below min(numSourceNodes, numTargetNodes)). Default is true.
func (b *GATBuilder) AddSelfLoops(enabled bool) *GATBuilder {
	b.addSelfLoops = enabled
	return b
}

// FillValue configures how edge features for inserted self-loops are filled,
// when edge features are given. Default is adjacency.FillMean().
func (b *GATBuilder) FillValue(fill adjacency.FillValue) *GATBuilder {
	b.fill = fill
	return b
}

// WithEdgeFeatures attaches per-edge features shaped [numEdges, edgeDim],
// aligned with the adjacency's edge order. They do not enter the attention
// scores; they are carried through the self-loop augmentation (see FillValue)
// and can be read back with AugmentedEdgeFeatures after Done.
func (b *GATBuilder) WithEdgeFeatures(edgeAttr *Node) *GATBuilder {
	if edgeAttr.Rank() != 2 || edgeAttr.Shape().Dim(0) != b.adj.NumEdges() {
		exceptions.Panicf("GAT: edge features must be shaped [numEdges=%d, edgeDim], got shape %s",
			b.adj.NumEdges(), edgeAttr.Shape())
	}
	b.edgeAttr = edgeAttr
	return b
}

// Sizes overrides the node-set sizes used to bound self-loop insertion, for
// bipartite graphs whose adjacency over-counts. They default to the
// adjacency's own counts.
func (b *GATBuilder) Sizes(numSourceNodes, numTargetNodes int) *GATBuilder {
	if numSourceNodes < 0 || numSourceNodes > b.adj.NumSourceNodes() ||
		numTargetNodes < 0 || numTargetNodes > b.adj.NumTargetNodes() {
		exceptions.Panicf("GAT: sizes (%d, %d) must be within the adjacency's node counts (%d, %d)",
			numSourceNodes, numTargetNodes, b.adj.NumSourceNodes(), b.adj.NumTargetNodes())
	}
	b.numSourceNodes = numSourceNodes
	b.numTargetNodes = numTargetNodes
	return b
}

// Done builds the convolution and returns the new node embeddings, shaped
// [batchSize, numTargetNodes, numHeads*outChannels] (or [..., outChannels]
// with ConcatHeads(false)).
func (b *GATBuilder) Done() *Node {
	out, _, _ := b.forward()
	return out
}

// DoneWithAttention is Done, additionally returning the adjacency the
// attention actually ran over (the self-loop-augmented edge set, in the same
// concrete representation as the input adjacency) and the attention weights,
// shaped [numEdges, numHeads] and aligned with that adjacency's edge order.
// At inference time the weights of the edges into any given target node sum
// to 1 per head.
func (b *GATBuilder) DoneWithAttention() (output *Node, attended adjacency.Adjacency, weights *Node) {
	return b.forward()
}

// AugmentedEdgeFeatures returns the edge features aligned with the attended
// (self-loop-augmented) edge set, with inserted loops filled per FillValue.
// Only valid after Done or DoneWithAttention, and only if WithEdgeFeatures
// was set; nil otherwise.
func (b *GATBuilder) AugmentedEdgeFeatures() *Node {
	return b.augmentedEdgeAttr
}

// Reset deletes the layer's variables from the context, so the next forward
// pass re-initializes them.
func (b *GATBuilder) Reset() {
	b.ctx.In("gat").DeleteVariablesInScope()
}

// String implements fmt.Stringer.
func (b *GATBuilder) String() string {
	return fmt.Sprintf("gat(%d, %d, heads=%d)", b.x.Shape().Dim(2), b.outChannels, b.numHeads)
}

func (b *GATBuilder) forward() (output *Node, attended adjacency.Adjacency, weights *Node) {
	if b.done {
		exceptions.Panicf("GAT: Done/DoneWithAttention called more than once on the same builder")
	}
	b.done = true

	ctx := b.ctx.In("gat").WithInitializer(initializers.GlorotUniformFn(b.ctx))
	g := b.g
	dtype := b.x.DType()
	batchSize := b.x.Shape().Dim(0)
	numHeads, outChannels := b.numHeads, b.outChannels

	// Project node features into the heads, and reduce them to one attention
	// logit per node, per head and per side (source or target).
	projected := mllayers.Dense(ctx, b.x, false, numHeads, outChannels) // [batch, numNodes, heads, channels]
	attSrc := ctx.VariableWithShape("att_src", shapes.Make(dtype, numHeads, outChannels)).ValueGraph(g)
	attDst := ctx.VariableWithShape("att_dst", shapes.Make(dtype, numHeads, outChannels)).ValueGraph(g)
	logitsSrc := ReduceSum(Mul(projected, Reshape(attSrc, 1, 1, numHeads, outChannels)), -1) // [batch, numNodes, heads]
	logitsDst := ReduceSum(Mul(projected, Reshape(attDst, 1, 1, numHeads, outChannels)), -1)

	attended = b.adj
	if b.addSelfLoops {
		var aug *adjacency.Augmentation
		attended, aug = adjacency.AugmentWithSelfLoops(b.adj, min(b.numSourceNodes, b.numTargetNodes))
		if b.edgeAttr != nil {
			b.augmentedEdgeAttr = AugmentEdgeFeatures(b.edgeAttr, aug, b.fill)
		}
	} else {
		b.augmentedEdgeAttr = b.edgeAttr
	}

	numTargets := attended.NumTargetNodes()
	numEdges := attended.NumEdges()
	outWidth := numHeads * outChannels
	if !b.concat {
		outWidth = outChannels
	}
	if numEdges == 0 {
		// No messages to aggregate. Zeros can't build a zero-sized node, so
		// the empty weights go through a constant tensor instead.
		output = Zeros(g, shapes.Make(dtype, batchSize, numTargets, outWidth))
		weights = Const(g, tensors.FromShape(shapes.Make(dtype, 0, numHeads)))
		return
	}

	sorted := attended.Sorted()
	srcIndices, dstIndices := EdgeEndpoints(g, attended)

	// Edge-update phase: gather both endpoints' logits per edge (moving the
	// node axis to the front first) and normalize them per target node.
	alphaSrc := GatherFromNodes(TransposeAllDims(logitsSrc, 1, 0, 2), srcIndices, false) // [numEdges, batch, heads]
	alphaDst := GatherFromNodes(TransposeAllDims(logitsDst, 1, 0, 2), dstIndices, sorted)
	alpha := ReduceAndKeep(Add(alphaSrc, alphaDst), ReduceMean, 1) // [numEdges, 1, heads]
	alpha = activations.LeakyReluWithAlpha(alpha, b.negativeSlope)
	alpha = SegmentSoftmax(alpha, nil, dstIndices, numTargets, sorted)
	alpha = mllayers.DropoutStatic(ctx, alpha, b.dropoutRate)

	// Aggregation phase: sum attention-weighted source features per target.
	sourceFeatures := GatherFromNodes(TransposeAllDims(projected, 1, 0, 2, 3), srcIndices, false)
	messages := Mul(sourceFeatures, ExpandAxes(alpha, -1))        // [numEdges, batch, heads, channels]
	pooled := SegmentSum(messages, dstIndices, numTargets, sorted) // [numTargets, batch, heads, channels]
	pooled = TransposeAllDims(pooled, 1, 0, 2, 3)

	if b.concat {
		output = Reshape(pooled, batchSize, numTargets, numHeads*outChannels)
	} else {
		output = ReduceMean(pooled, 2)
	}
	weights = Reshape(alpha, numEdges, numHeads)
	return
}

// AugmentEdgeFeatures rebuilds a per-edge feature tensor, shaped
// [numEdges, edgeDim], for an augmented edge set: surviving rows are gathered,
// rows for inserted self-loops are filled per the fill policy, and the result
// is permuted into the augmented adjacency's edge order.
func AugmentEdgeFeatures(edgeAttr *Node, aug *adjacency.Augmentation, fill adjacency.FillValue) *Node {
	if edgeAttr.Rank() != 2 {
		exceptions.Panicf("AugmentEdgeFeatures: edge features must be rank-2, shaped [numEdges, edgeDim], "+
			"got shape %s", edgeAttr.Shape())
	}
	if aug.Identity() {
		return edgeAttr
	}
	g := edgeAttr.Graph()
	dtype := edgeAttr.DType()
	edgeDim := edgeAttr.Shape().Dim(1)

	kept := edgeAttr
	if aug.Kept != nil {
		kept = Gather(edgeAttr, ExpandAxes(Const(g, aug.Kept), -1), false)
	}
	if aug.NumLoops > 0 {
		var loopRows *Node
		switch fill.Kind {
		case adjacency.FillKindScalar:
			loopRows = BroadcastToDims(ConvertDType(Const(g, fill.Scalar), dtype), aug.NumLoops, edgeDim)
		case adjacency.FillKindVector:
			if len(fill.Vector) != edgeDim {
				exceptions.Panicf("AugmentEdgeFeatures: fill vector has length %d, edge features have "+
					"edgeDim=%d", len(fill.Vector), edgeDim)
			}
			row := ConvertDType(Const(g, fill.Vector), dtype)
			loopRows = BroadcastToDims(ExpandAxes(row, 0), aug.NumLoops, edgeDim)
		default: // FillKindMean: mean over all surviving edges at once.
			mean := ReduceAndKeep(kept, ReduceMean, 0)
			loopRows = BroadcastToDims(mean, aug.NumLoops, edgeDim)
		}
		kept = Concatenate([]*Node{kept, loopRows}, 0)
	}
	if aug.Order != nil {
		kept = Gather(kept, ExpandAxes(Const(g, aug.Order), -1), false)
	}
	return kept
}
