package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"
)

// randomDAG builds a workflow whose edges follow a random permutation rank,
// so insertion order is generally not a valid topological order.
func randomDAG(t *rapid.T) (*Workflow, []int) {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rank := rapid.Permutation(idx).Draw(t, "rank")

	w := New("prop", "")
	for i := 0; i < n; i++ {
		if _, err := w.AddTask(TaskSpec{ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("add task: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if rank[j] < rank[i] && rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) == 0 {
				if err := w.AddDependency(fmt.Sprintf("t%d", i), fmt.Sprintf("t%d", j)); err != nil {
					t.Fatalf("add dependency: %v", err)
				}
			}
		}
	}
	return w, rank
}

func TestProperty_OrderRespectsDependencies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w, _ := randomDAG(rt)

		order, err := Order(w)
		if err != nil {
			rt.Fatalf("acyclic graph rejected: %v", err)
		}
		if len(order) != w.Len() {
			rt.Fatalf("expected %d tasks, got %d", w.Len(), len(order))
		}

		pos := make(map[string]int, len(order))
		for i, task := range order {
			if _, dup := pos[task.ID]; dup {
				rt.Fatalf("task %s appears twice", task.ID)
			}
			pos[task.ID] = i
		}
		for _, task := range order {
			for _, dep := range task.DependsOn {
				if pos[dep] >= pos[task.ID] {
					rt.Fatalf("task %s ordered before its dependency %s", task.ID, dep)
				}
			}
		}
	})
}

func TestProperty_BackEdgeIsRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w, rank := randomDAG(rt)
		if len(rank) < 2 {
			return
		}
		a := rapid.IntRange(0, len(rank)-1).Draw(rt, "a")
		b := rapid.IntRange(0, len(rank)-1).Filter(func(v int) bool { return v != a }).Draw(rt, "b")

		// a -> b and b -> a close a cycle regardless of the existing edges
		_ = w.AddDependency(fmt.Sprintf("t%d", a), fmt.Sprintf("t%d", b))
		_ = w.AddDependency(fmt.Sprintf("t%d", b), fmt.Sprintf("t%d", a))

		before := w.Tasks()
		_, err := Order(w)
		var cycleErr *CycleError
		if !errors.As(err, &cycleErr) {
			rt.Fatalf("expected CycleError, got %v", err)
		}
		if !reflect.DeepEqual(before, w.Tasks()) {
			rt.Fatalf("ordering mutated the workflow")
		}
	})
}

func TestProperty_BatchesAreDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("same graph yields same batches", prop.ForAll(
		func(width, depth int) bool {
			w := New("layers", "")
			var prev []string
			for d := 0; d < depth; d++ {
				var layer []string
				for i := 0; i < width; i++ {
					id := fmt.Sprintf("l%d_%d", d, i)
					if _, err := w.AddTask(TaskSpec{ID: id, Name: id, DependsOn: prev}); err != nil {
						return false
					}
					layer = append(layer, id)
				}
				prev = layer
			}

			first, err := ReadyBatches(w)
			if err != nil || len(first) != depth {
				return false
			}
			second, err := ReadyBatches(w)
			if err != nil {
				return false
			}
			for i := range first {
				if !reflect.DeepEqual(ids(first[i]), ids(second[i])) || len(first[i]) != width {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
