package consensus

// finds the strongly connected components of a graph of n vertices,
// where edges(v) returns the vertices v has edges to. Components are
// returned in reverse topological order: a component is only emitted
// after every component reachable from it
//
// iterative version of Tarjan's algorithm, so deep dependency chains
// can't overflow the stack
func stronglyConnectedComponents(n int, edges func(v int) []int) [][]int {
	const unvisited = -1

	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}

	// call stack frames: a vertex and the position
	// of the next edge to visit
	type frame struct {
		v    int
		edge int
	}

	var output [][]int
	var stack []int
	var frames []frame
	next := 0

	for root := 0; root < n; root++ {
		if index[root] != unvisited {
			continue
		}
		frames = append(frames, frame{v: root})
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			v := f.v
			vEdges := edges(v)

			if f.edge < len(vEdges) {
				w := vEdges[f.edge]
				f.edge++
				if index[w] == unvisited {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
				} else if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
				continue
			}

			// all edges visited, pop the frame
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].v
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}

			if lowlink[v] == index[v] {
				var component []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					component = append(component, w)
					if w == v {
						break
					}
				}
				output = append(output, component)
			}
		}
	}
	return output
}
