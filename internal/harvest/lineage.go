package harvest

import (
	"context"
	"errors"
	"fmt"
)

const defaultLineageDepth = 64

// Lineage returns the task followed by its ancestors, nearest first. A parent
// that can no longer be found ends the chain without an error.
func Lineage(ctx context.Context, store TaskStore, taskID string, maxDepth int) ([]Task, error) {
	if maxDepth <= 0 {
		maxDepth = defaultLineageDepth
	}
	chain := make([]Task, 0, 4)
	seen := make(map[string]struct{}, 4)
	next := taskID
	for next != "" && len(chain) < maxDepth {
		if _, ok := seen[next]; ok {
			break
		}
		seen[next] = struct{}{}
		task, err := store.Get(ctx, next)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) && len(chain) > 0 {
				break
			}
			return chain, fmt.Errorf("lineage lookup %s: %w", next, err)
		}
		chain = append(chain, task)
		next = task.ParentID
	}
	return chain, nil
}

// LineageIDs flattens a lineage chain into ids for logging.
func LineageIDs(chain []Task) []string {
	ids := make([]string, 0, len(chain))
	for _, t := range chain {
		ids = append(ids, t.ID)
	}
	return ids
}
