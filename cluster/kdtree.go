package cluster

import "math"

// KDTree is a static k-d tree over a fixed point set, flattened into an
// index array plus an interleaved coordinate array. It is built once per
// zoom level and never mutated afterwards, which is what makes the finished
// tree safe for concurrent readers.
type KDTree struct {
	NodeSize int
	IDs      []int32
	Coords   []float64 // x at 2*i, y at 2*i+1, ordered like IDs
}

// NewKDTree indexes the given points. nodeSize is the leaf bucket size:
// larger buckets build faster and query slower.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	n := len(points)
	t := &KDTree{
		NodeSize: nodeSize,
		IDs:      make([]int32, n),
		Coords:   make([]float64, 2*n),
	}
	for i, p := range points {
		t.IDs[i] = int32(i)
		t.Coords[2*i] = p.X
		t.Coords[2*i+1] = p.Y
	}
	if n > 0 {
		t.sortKD(0, n-1, 0)
	}
	return t
}

// newKDTreeFromArrays restores a tree from persisted layout arrays.
func newKDTreeFromArrays(ids []int32, coords []float64, nodeSize int) *KDTree {
	return &KDTree{NodeSize: nodeSize, IDs: ids, Coords: coords}
}

// Range returns the ids of all points inside the axis-aligned box.
func (t *KDTree) Range(minX, minY, maxX, maxY float64) []int32 {
	var result []int32
	if len(t.IDs) == 0 {
		return result
	}

	stack := []int{0, len(t.IDs) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]

		if right-left <= t.NodeSize {
			for i := left; i <= right; i++ {
				x, y := t.Coords[2*i], t.Coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					result = append(result, t.IDs[i])
				}
			}
			continue
		}

		m := (left + right) >> 1
		x, y := t.Coords[2*m], t.Coords[2*m+1]
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			result = append(result, t.IDs[m])
		}

		if (axis == 0 && minX <= x) || (axis == 1 && minY <= y) {
			stack = append(stack, left, m-1, 1-axis)
		}
		if (axis == 0 && maxX >= x) || (axis == 1 && maxY >= y) {
			stack = append(stack, m+1, right, 1-axis)
		}
	}
	return result
}

// Within returns the ids of all points inside the given Euclidean radius.
func (t *KDTree) Within(x, y, r float64) []int32 {
	var result []int32
	if len(t.IDs) == 0 {
		return result
	}
	r2 := r * r

	stack := []int{0, len(t.IDs) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]

		if right-left <= t.NodeSize {
			for i := left; i <= right; i++ {
				if sqDist(t.Coords[2*i], t.Coords[2*i+1], x, y) <= r2 {
					result = append(result, t.IDs[i])
				}
			}
			continue
		}

		m := (left + right) >> 1
		mx, my := t.Coords[2*m], t.Coords[2*m+1]
		if sqDist(mx, my, x, y) <= r2 {
			result = append(result, t.IDs[m])
		}

		if (axis == 0 && x-r <= mx) || (axis == 1 && y-r <= my) {
			stack = append(stack, left, m-1, 1-axis)
		}
		if (axis == 0 && x+r >= mx) || (axis == 1 && y+r >= my) {
			stack = append(stack, m+1, right, 1-axis)
		}
	}
	return result
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}

// sortKD recursively splits the index range at the median of the current
// axis, leaving ranges of up to NodeSize unsorted as leaf buckets.
func (t *KDTree) sortKD(left, right, axis int) {
	if right-left <= t.NodeSize {
		return
	}
	m := (left + right) >> 1
	t.selectAt(m, left, right, axis)
	t.sortKD(left, m-1, 1-axis)
	t.sortKD(m+1, right, 1-axis)
}

// selectAt partially sorts [left, right] so the element at index k is the
// one that would be there if the range were sorted by the given axis
// (Floyd-Rivest selection).
func (t *KDTree) selectAt(k, left, right, axis int) {
	for right > left {
		if right-left > 600 {
			n := float64(right - left + 1)
			m := float64(k - left + 1)
			z := math.Log(n)
			s := 0.5 * math.Exp(2*z/3)
			sd := 0.5 * math.Sqrt(z*s*(n-s)/n)
			if m-n/2 < 0 {
				sd = -sd
			}
			newLeft := max(left, int(math.Floor(float64(k)-m*s/n+sd)))
			newRight := min(right, int(math.Floor(float64(k)+(n-m)*s/n+sd)))
			t.selectAt(k, newLeft, newRight, axis)
		}

		pivot := t.Coords[2*k+axis]
		i, j := left, right

		t.swapItem(left, k)
		if t.Coords[2*right+axis] > pivot {
			t.swapItem(left, right)
		}

		for i < j {
			t.swapItem(i, j)
			i++
			j--
			for t.Coords[2*i+axis] < pivot {
				i++
			}
			for t.Coords[2*j+axis] > pivot {
				j--
			}
		}

		if t.Coords[2*left+axis] == pivot {
			t.swapItem(left, j)
		} else {
			j++
			t.swapItem(j, right)
		}

		if j <= k {
			left = j + 1
		}
		if k <= j {
			right = j - 1
		}
	}
}

func (t *KDTree) swapItem(i, j int) {
	t.IDs[i], t.IDs[j] = t.IDs[j], t.IDs[i]
	t.Coords[2*i], t.Coords[2*j] = t.Coords[2*j], t.Coords[2*i]
	t.Coords[2*i+1], t.Coords[2*j+1] = t.Coords[2*j+1], t.Coords[2*i+1]
}
