package cluster

import "math"

// merge records one agglomeration step of the dendrogram. Clusters created
// by step s get the index n+s.
type merge struct {
	a, b     int
	distance float64
	size     int
}

// distanceMatrix returns squared Euclidean distances between points in a
// square matrix with room for the n-1 clusters created while linking.
func distanceMatrix(points [][]float64) [][]float64 {
	n := len(points)
	total := 2*n - 1
	if total < 1 {
		total = 1
	}
	d := make([][]float64, total)
	for i := range d {
		d[i] = make([]float64, total)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var sum float64
			for k := range points[i] {
				diff := points[i][k] - points[j][k]
				sum += diff * diff
			}
			d[i][j] = sum
			d[j][i] = sum
		}
	}
	return d
}

// wardLinkage agglomerates n points with Ward's criterion, updating the
// distance matrix in place through the Lance-Williams recurrence. Ties go
// to the lowest index pair, so the merge order is deterministic.
func wardLinkage(d [][]float64, n int) []merge {
	if n < 2 {
		return nil
	}
	active := make([]bool, 2*n-1)
	size := make([]int, 2*n-1)
	for i := 0; i < n; i++ {
		active[i] = true
		size[i] = 1
	}

	merges := make([]merge, 0, n-1)
	for step := 0; step < n-1; step++ {
		limit := n + step
		best := math.MaxFloat64
		bi, bj := -1, -1
		for i := 0; i < limit; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < limit; j++ {
				if active[j] && d[i][j] < best {
					best, bi, bj = d[i][j], i, j
				}
			}
		}

		created := limit
		active[bi], active[bj] = false, false
		size[created] = size[bi] + size[bj]

		ni, nj := float64(size[bi]), float64(size[bj])
		for k := 0; k < created; k++ {
			if !active[k] {
				continue
			}
			nk := float64(size[k])
			dist := ((nk+ni)*d[bi][k] + (nk+nj)*d[bj][k] - nk*best) / (nk + ni + nj)
			d[created][k] = dist
			d[k][created] = dist
		}
		active[created] = true

		merges = append(merges, merge{
			a:        bi,
			b:        bj,
			distance: math.Sqrt(best),
			size:     size[created],
		})
	}
	return merges
}

// cutDendrogram labels each original point by cutting the dendrogram at
// threshold. Labels are numbered in order of first appearance.
func cutDendrogram(merges []merge, n int, threshold float64) []int {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	for step, m := range merges {
		if m.distance > threshold {
			continue
		}
		created := n + step
		parent[find(parent, m.a)] = created
		parent[find(parent, m.b)] = created
	}

	labels := make([]int, n)
	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		root := find(parent, i)
		label, ok := seen[root]
		if !ok {
			label = len(seen)
			seen[root] = label
		}
		labels[i] = label
	}
	return labels
}

// find resolves the root of i with path halving.
func find(parent []int, i int) int {
	for parent[i] != i {
		parent[i] = parent[parent[i]]
		i = parent[i]
	}
	return i
}

// wardLabels clusters points and returns one label per point.
func wardLabels(points [][]float64, threshold float64) []int {
	n := len(points)
	if n == 0 {
		return nil
	}
	d := distanceMatrix(points)
	return cutDendrogram(wardLinkage(d, n), n, threshold)
}
