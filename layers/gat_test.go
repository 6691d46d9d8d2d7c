package layers

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gnn/adjacency"
)

// Node features for a 3-node graph, shaped [batch=2, numNodes=3, channels=4].
var testNodeFeatures = [][][]float32{
	{{1, 2, 3, 4}, {-1, 0.5, 2, -3}, {0.1, 0.2, 0.3, 0.4}},
	{{4, 3, 2, 1}, {0, 0, 1, 1}, {-2, 1, -2, 1}},
}

func TestGATOutputWidths(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList([]int32{0, 1, 2, 0}, []int32{1, 2, 0, 2}, 3)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		concat := GAT(ctx.In("conv"), x, adj, 5).NumHeads(3).Done()
		averaged := GAT(ctx.In("conv"), x, adj, 5).NumHeads(3).ConcatHeads(false).Done()
		// With a single head, concatenation and averaging coincide.
		oneHeadConcat := GAT(ctx.In("single"), x, adj, 5).Done()
		oneHeadMean := GAT(ctx.In("single"), x, adj, 5).ConcatHeads(false).Done()
		return []*Node{concat, averaged, oneHeadConcat, oneHeadMean}
	})
	outputs := exec.Call(testNodeFeatures)

	assert.Equal(t, []int{2, 3, 15}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 5}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 5}, outputs[2].Shape().Dimensions)
	require.True(t, outputs[2].InDelta(outputs[3], 1e-5),
		"single-head concat and average must match: %s vs %s", outputs[2].GoStr(), outputs[3].GoStr())
}

func TestGATAttentionWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList([]int32{0, 1, 2, 0, 1}, []int32{1, 2, 0, 2, 1}, 3)

	var attended adjacency.Adjacency
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		output, adjOut, weights := GAT(ctx.In("conv"), x, adj, 4).NumHeads(2).DoneWithAttention()
		attended = adjOut
		return []*Node{output, weights}
	})
	outputs := exec.Call(testNodeFeatures)

	// The attended edge set is the input without its (1,1) loop, plus
	// exactly one loop per node.
	require.NotNil(t, attended)
	sources, targets := attended.EdgeLists()
	counts := make(map[[2]int32]int)
	for i := range sources {
		counts[[2]int32{sources[i], targets[i]}]++
	}
	assert.Equal(t, map[[2]int32]int{
		{0, 1}: 1, {1, 2}: 1, {2, 0}: 1, {0, 2}: 1,
		{0, 0}: 1, {1, 1}: 1, {2, 2}: 1,
	}, counts)

	// At inference, weights of the edges into each target sum to 1 per head.
	weights := outputs[1].Value().([][]float32)
	require.Len(t, weights, attended.NumEdges())
	sums := make([][2]float32, 3)
	for i, w := range weights {
		require.Len(t, w, 2)
		sums[targets[i]][0] += w[0]
		sums[targets[i]][1] += w[1]
	}
	for target, s := range sums {
		assert.InDelta(t, 1.0, s[0], 1e-5, "head 0, target node %d", target)
		assert.InDelta(t, 1.0, s[1], 1e-5, "head 1, target node %d", target)
	}
}

func TestGATWithoutSelfLoops(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// Node 0 has no incoming edges; without self-loops it aggregates nothing.
	adj := adjacency.NewEdgeList([]int32{0, 1}, []int32{1, 2}, 3)

	var attended adjacency.Adjacency
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		output, adjOut, _ := GAT(ctx.In("conv"), x, adj, 4).AddSelfLoops(false).DoneWithAttention()
		attended = adjOut
		return []*Node{output}
	})
	output := exec.Call(testNodeFeatures)[0]

	assert.Same(t, adjacency.Adjacency(adj), attended)
	values := output.Value().([][][]float32)
	for b := range values {
		for _, v := range values[b][0] {
			assert.Zero(t, v, "node 0 aggregates no messages")
		}
	}
}

func TestGATZeroEdges(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList(nil, nil, 3)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		output, _, weights := GAT(ctx.In("conv"), x, adj, 4).NumHeads(2).AddSelfLoops(false).DoneWithAttention()
		return []*Node{output, weights}
	})
	outputs := exec.Call(testNodeFeatures)

	assert.Equal(t, []int{2, 3, 8}, outputs[0].Shape().Dimensions)
	values := outputs[0].Value().([][][]float32)
	for b := range values {
		for n := range values[b] {
			for _, v := range values[b][n] {
				assert.Zero(t, v)
			}
		}
	}
	assert.Equal(t, []int{0, 2}, outputs[1].Shape().Dimensions)

	// Same edge-free graph through the embeddings-only path.
	execDone := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return GAT(ctx.In("conv2"), x, adj, 4).NumHeads(2).AddSelfLoops(false).Done()
	})
	assert.Equal(t, []int{2, 3, 8}, execDone.Call(testNodeFeatures)[0].Shape().Dimensions)
}

func TestGATSelfLoopsOnly(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// No input edges: with self-loops every node attends only to itself,
	// with weight exactly 1, and its embedding is its own projection.
	adj := adjacency.NewEdgeList(nil, nil, 3)

	var attended adjacency.Adjacency
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		output, adjOut, weights := GAT(ctx.In("conv"), x, adj, 4).NumHeads(2).DoneWithAttention()
		attended = adjOut
		return []*Node{output, weights}
	})
	outputs := exec.Call(testNodeFeatures)

	require.Equal(t, 3, attended.NumEdges())
	weights := outputs[1].Value().([][]float32)
	for edge, w := range weights {
		for head, v := range w {
			assert.InDelta(t, 1.0, v, 1e-6, "edge %d, head %d", edge, head)
		}
	}
	values := outputs[0].Value().([][][]float32)
	for b := range values {
		for n := range values[b] {
			nonZero := false
			for _, v := range values[b][n] {
				nonZero = nonZero || v != 0
			}
			assert.True(t, nonZero, "node %d of batch %d should carry its own projection", n, b)
		}
	}
}

func TestGATDeterministicAtInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList([]int32{0, 1, 2}, []int32{1, 2, 0}, 3)

	// Dropout is configured but must be inert outside training.
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return GAT(ctx.In("conv"), x, adj, 4).NumHeads(2).Dropout(0.5).Done()
	})
	first := exec.Call(testNodeFeatures)[0]
	second := exec.Call(testNodeFeatures)[0]
	assert.Equal(t, first.Value(), second.Value())
}

func TestGATTrainingDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList([]int32{0, 1, 2}, []int32{1, 2, 0}, 3)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return GAT(ctx.In("conv"), x, adj, 4).NumHeads(2).Dropout(0.5).Done()
	})
	output := exec.Call(testNodeFeatures)[0]
	assert.Equal(t, []int{2, 3, 8}, output.Shape().Dimensions)
}

func TestGATEdgeListAndCSRAgree(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	edgeList := adjacency.NewEdgeList([]int32{0, 1, 2, 0, 2}, []int32{1, 2, 0, 2, 1}, 3)
	csr := edgeList.ToCSR()

	var attendedCSR adjacency.Adjacency
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		// Same scope: both convolutions share weights.
		fromList := GAT(ctx.In("conv"), x, edgeList, 4).NumHeads(2).Done()
		fromCSR, adjOut, _ := GAT(ctx.In("conv"), x, csr, 4).NumHeads(2).DoneWithAttention()
		attendedCSR = adjOut
		return []*Node{fromList, fromCSR}
	})
	outputs := exec.Call(testNodeFeatures)

	require.True(t, outputs[0].InDelta(outputs[1], 1e-5),
		"edge-list and CSR forms must produce the same embeddings")
	require.IsType(t, &adjacency.CSR{}, attendedCSR)
	assert.True(t, attendedCSR.Sorted())
}

func TestGATValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "gat-validation")
	adj := adjacency.NewEdgeList([]int32{0}, []int32{1}, 2)

	rank2 := Ones(g, shapes.Make(dtypes.Float32, 2, 3))
	assert.Panics(t, func() { GAT(ctx, rank2, adj, 4) }, "rank-2 static graphs are unsupported")

	x := Ones(g, shapes.Make(dtypes.Float32, 1, 2, 3))
	assert.Panics(t, func() { GAT(ctx, x, adj, 0) })
	assert.Panics(t, func() { GAT(ctx, x, adj, 4).NumHeads(0) })
	assert.Panics(t, func() { GAT(ctx, x, adj, 4).Dropout(1.0) })
	assert.Panics(t, func() { GAT(ctx, x, adj, 4).Sizes(3, 1) })
	assert.Panics(t, func() { GAT(ctx, x, adj, 4).WithEdgeFeatures(rank2) })

	tooManyNodes := adjacency.NewEdgeList([]int32{0}, []int32{3}, 4)
	assert.Panics(t, func() { GAT(ctx, x, tooManyNodes, 4) })

	assert.Equal(t, "gat(3, 4, heads=2)", GAT(ctx, x, adj, 4).NumHeads(2).String())
}

func TestAugmentEdgeFeatures(t *testing.T) {
	// The (1,1) loop at row 1 is dropped, three loops are appended.
	adj := adjacency.NewEdgeList([]int32{0, 1, 1}, []int32{1, 1, 2}, 3)
	_, aug := adjacency.AugmentWithSelfLoops(adj, 3)

	attrs := [][]float32{{1, 2}, {9, 9}, {3, 4}}
	graphtest.RunTestGraphFn(t, "mean fill", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{AugmentEdgeFeatures(Const(g, attrs), aug, adjacency.FillMean())}
		return
	}, []any{
		[][]float32{{1, 2}, {3, 4}, {2, 3}, {2, 3}, {2, 3}},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "scalar fill", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{AugmentEdgeFeatures(Const(g, attrs), aug, adjacency.FillScalar(7))}
		return
	}, []any{
		[][]float32{{1, 2}, {3, 4}, {7, 7}, {7, 7}, {7, 7}},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "vector fill", func(g *Graph) (inputs, outputs []*Node) {
		outputs = []*Node{AugmentEdgeFeatures(Const(g, attrs), aug, adjacency.FillVector([]float64{5, 6}))}
		return
	}, []any{
		[][]float32{{1, 2}, {3, 4}, {5, 6}, {5, 6}, {5, 6}},
	}, 1e-6)
}

func TestAugmentEdgeFeaturesCSROrder(t *testing.T) {
	// CSR keeps edges grouped by target, so the loop rows interleave: the
	// augmented order is (0,0), (0,1), (1,1), (1,2), (2,2).
	adj := adjacency.NewEdgeList([]int32{0, 1, 2}, []int32{1, 2, 2}, 3).ToCSR()
	_, aug := adjacency.AugmentWithSelfLoops(adj, 3)

	graphtest.RunTestGraphFn(t, "permuted mean fill", func(g *Graph) (inputs, outputs []*Node) {
		attrs := Const(g, [][]float32{{1, 2}, {3, 4}, {9, 9}})
		outputs = []*Node{AugmentEdgeFeatures(attrs, aug, adjacency.FillMean())}
		return
	}, []any{
		[][]float32{{2, 3}, {1, 2}, {2, 3}, {3, 4}, {2, 3}},
	}, 1e-6)
}

func TestGATReset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	adj := adjacency.NewEdgeList([]int32{0, 1}, []int32{1, 2}, 3)

	var builder *GATBuilder
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		builder = GAT(ctx.In("conv"), x, adj, 4)
		return builder.Done()
	})
	exec.Call(testNodeFeatures)

	numVars := 0
	ctx.In("conv").In("gat").EnumerateVariablesInScope(func(v *context.Variable) { numVars++ })
	require.Greater(t, numVars, 0)

	builder.Reset()
	numVars = 0
	ctx.In("conv").In("gat").EnumerateVariablesInScope(func(v *context.Variable) { numVars++ })
	assert.Zero(t, numVars)
}
