// Package plan turns a graph.Model into a fixed execution order plus a
// per-step flush schedule, so a state.State can free intermediate tensors
// as soon as nothing downstream still needs them.
package plan

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
)

// Plan is an immutable execution schedule for one Model.
type Plan struct {
	Model *graph.Model
	// Order lists every node id in a valid topological order: a node's
	// inputs always appear at an earlier index than the node itself.
	Order []int
	// FlushLists[step] holds the node ids whose value may be discarded
	// once step has finished executing, because no later step (and no
	// model output) will read them again.
	FlushLists [][]int
}

// Build computes the order and flush schedule for m.
func Build(m *graph.Model) (*Plan, error) {
	order, err := graph.EvalOrder(m)
	if err != nil {
		return nil, fmt.Errorf("plan: build: %w", err)
	}

	// neededUntil[id] is the last step index at which some other node's
	// input still reads node id's value. A node with no recorded entry is
	// either a model output (kept alive until the caller reads it and the
	// state resets) or dead code nothing consumes (harmless to never
	// flush either).
	neededUntil := make(map[int]int, len(order))
	for step, id := range order {
		n := m.Node(id)
		for _, in := range n.Inputs {
			if cur, ok := neededUntil[in.Node]; !ok || step > cur {
				neededUntil[in.Node] = step
			}
		}
	}

	// Model outputs are read out after the loop finishes, never during it,
	// regardless of whether some other node also happens to consume them
	// internally -- so they must never be scheduled into a flush list.
	for _, o := range m.Outputs() {
		delete(neededUntil, o.Node)
	}

	flush := make([][]int, len(order))
	for id, until := range neededUntil {
		flush[until] = append(flush[until], id)
	}

	return &Plan{Model: m, Order: order, FlushLists: flush}, nil
}
