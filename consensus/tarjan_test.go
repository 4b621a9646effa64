package consensus

import (
	"math/rand"
	"sort"
)

import (
	"github.com/looplab/tarjan"
	gocheck "gopkg.in/check.v1"
)

type TarjanTest struct{}

var _ = gocheck.Suite(&TarjanTest{})

// sorts vertices within components, and components by their first vertex
func normalizeComponents(components [][]int) [][]int {
	normalized := make([][]int, len(components))
	for i, component := range components {
		sorted := make([]int, len(component))
		copy(sorted, component)
		sort.Ints(sorted)
		normalized[i] = sorted
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i][0] < normalized[j][0] })
	return normalized
}

func randomGraph(r *rand.Rand, n int, density float64) [][]int {
	graph := make([][]int, n)
	for v := 0; v < n; v++ {
		for w := 0; w < n; w++ {
			if r.Float64() < density {
				graph[v] = append(graph[v], w)
			}
		}
	}
	return graph
}

// checks the results against an independent implementation
func (s *TarjanTest) TestMatchesReference(c *gocheck.C) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := r.Intn(30) + 1
		graph := randomGraph(r, n, r.Float64()*0.2)

		reference := make(map[interface{}][]interface{}, n)
		for v := 0; v < n; v++ {
			edges := make([]interface{}, len(graph[v]))
			for j, w := range graph[v] {
				edges[j] = w
			}
			reference[v] = edges
		}
		expected := make([][]int, 0)
		for _, component := range tarjan.Connections(reference) {
			vertices := make([]int, len(component))
			for j, v := range component {
				vertices[j] = v.(int)
			}
			expected = append(expected, vertices)
		}

		actual := stronglyConnectedComponents(n, func(v int) []int { return graph[v] })
		c.Assert(normalizeComponents(actual), gocheck.DeepEquals, normalizeComponents(expected), gocheck.Commentf("graph %v: %v", i, graph))
	}
}

// every component comes after the components it has edges to
func (s *TarjanTest) TestReverseTopologicalOrder(c *gocheck.C) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		n := r.Intn(40) + 1
		graph := randomGraph(r, n, 0.05)
		components := stronglyConnectedComponents(n, func(v int) []int { return graph[v] })

		position := make(map[int]int, n)
		for p, component := range components {
			for _, v := range component {
				position[v] = p
			}
		}
		c.Assert(position, gocheck.HasLen, n)
		for v := 0; v < n; v++ {
			for _, w := range graph[v] {
				c.Check(position[w] <= position[v], gocheck.Equals, true, gocheck.Commentf("edge %v -> %v", v, w))
			}
		}
	}
}

func (s *TarjanTest) TestCycle(c *gocheck.C) {
	graph := [][]int{{1}, {2}, {0}, {0}}
	components := stronglyConnectedComponents(4, func(v int) []int { return graph[v] })
	c.Assert(components, gocheck.HasLen, 2)
	c.Check(normalizeComponents(components[:1]), gocheck.DeepEquals, [][]int{{0, 1, 2}})
	c.Check(components[1], gocheck.DeepEquals, []int{3})
}

func (s *TarjanTest) TestDeepChain(c *gocheck.C) {
	n := 200000
	components := stronglyConnectedComponents(n, func(v int) []int {
		if v+1 < n {
			return []int{v + 1}
		}
		return nil
	})
	c.Assert(components, gocheck.HasLen, n)
	c.Check(components[0], gocheck.DeepEquals, []int{n - 1})
	c.Check(components[n-1], gocheck.DeepEquals, []int{0})
}
