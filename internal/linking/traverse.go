package linking

import (
	"context"

	"knowgraph/internal/storage"
)

// Visit is one emitted node of a graph traversal: the chunk reached, the
// depth it was first reached at, the edge used, and the product of edge
// strengths along the path taken.
type Visit struct {
	ID          string
	Depth       int
	EdgeUsed    *storage.Edge
	Strength    float64 // strength of the edge used; 1 for a start node
	PathProduct float64 // confidence product along the discovery path
}

// Traverse runs an iterative BFS over the link graph from startIDs, bounded
// by maxHops and maxNodes. Each node is emitted once, at its shallowest
// visit.
func Traverse(ctx context.Context, links storage.LinkStore, startIDs []string, maxHops, maxNodes int) ([]Visit, error) {
	if maxHops <= 0 {
		maxHops = 3
	}
	if maxNodes <= 0 {
		maxNodes = 50
	}

	visited := make(map[string]bool, len(startIDs))
	var out []Visit
	frontier := make([]Visit, 0, len(startIDs))
	for _, id := range startIDs {
		if visited[id] {
			continue
		}
		visited[id] = true
		v := Visit{ID: id, Depth: 0, Strength: 1, PathProduct: 1}
		frontier = append(frontier, v)
		out = append(out, v)
		if len(out) >= maxNodes {
			return out, nil
		}
	}

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []Visit
		for _, cur := range frontier {
			edges, err := links.OutgoingEdges(ctx, cur.ID)
			if err != nil {
				return out, err
			}
			for _, edge := range edges {
				if visited[edge.TargetID] {
					continue
				}
				visited[edge.TargetID] = true
				edge := edge
				v := Visit{
					ID:          edge.TargetID,
					Depth:       depth,
					EdgeUsed:    &edge,
					Strength:    edge.Strength,
					PathProduct: cur.PathProduct * edge.Strength,
				}
				next = append(next, v)
				out = append(out, v)
				if len(out) >= maxNodes {
					return out, nil
				}
			}
		}
		frontier = next
	}
	return out, nil
}
