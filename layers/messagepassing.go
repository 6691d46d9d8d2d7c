package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"

	"github.com/gomlx/gnn/adjacency"
)

// This file holds the edge-update phase of the message-passing pipeline:
// per-edge gathering of node values, and the bridge from a host-side
// adjacency to in-graph edge index constants. The aggregation phase is the
// segment operations in segment.go.

// GatherFromNodes gathers one row of nodeValues per edge: nodeValues is
// shaped [numNodes, ...] and indices holds one node index per edge (shaped
// [numEdges] or [numEdges, 1]). Returns shape [numEdges, ...].
//
// Set sorted when indices are in non-decreasing order; see SegmentSum.
func GatherFromNodes(nodeValues, indices *Node, sorted bool) *Node {
	if nodeValues.Rank() < 1 {
		exceptions.Panicf("GatherFromNodes: nodeValues must have rank >= 1 with nodes along axis 0, got shape %s",
			nodeValues.Shape())
	}
	if !indices.DType().IsInt() {
		exceptions.Panicf("GatherFromNodes: indices dtype must be an int type, got %s", indices.DType())
	}
	if indices.Rank() == 1 {
		indices = ExpandAxes(indices, -1)
	}
	if indices.Rank() != 2 || indices.Shape().Dim(1) != 1 {
		exceptions.Panicf("GatherFromNodes: indices must be shaped [numEdges] or [numEdges, 1], got shape %s",
			indices.Shape())
	}
	return Gather(nodeValues, indices, sorted)
}

// EdgeEndpoints embeds the adjacency's edge lists in the graph as int32
// constants shaped [numEdges, 1], ready for GatherFromNodes and the segment
// operations.
func EdgeEndpoints(g *Graph, adj adjacency.Adjacency) (sources, targets *Node) {
	srcList, dstList := adj.EdgeLists()
	sources = ExpandAxes(Const(g, srcList), -1)
	targets = ExpandAxes(Const(g, dstList), -1)
	return
}
