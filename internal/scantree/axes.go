package scantree

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Linspace returns n values evenly spaced over [start, stop], endpoints
// included. Values are rounded to five decimals so that directory names and
// stamped configs stay stable across platforms.
func Linspace(start, stop float64, n int) []any {
	if n <= 0 {
		return nil
	}
	values := make([]any, n)
	if n == 1 {
		values[0] = roundAxis(start)
		return values
	}
	step := (stop - start) / float64(n-1)
	for i := range values {
		values[i] = roundAxis(start + float64(i)*step)
	}
	values[n-1] = roundAxis(stop)
	return values
}

// Logspace returns n values evenly spaced on a log10 scale between 10^start
// and 10^stop, endpoints included.
func Logspace(start, stop float64, n int) []any {
	if n <= 0 {
		return nil
	}
	values := make([]any, n)
	if n == 1 {
		values[0] = roundAxis(math.Pow(10, start))
		return values
	}
	step := (stop - start) / float64(n-1)
	for i := range values {
		values[i] = roundAxis(math.Pow(10, start+float64(i)*step))
	}
	values[n-1] = roundAxis(math.Pow(10, stop))
	return values
}

func roundAxis(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// FormatValue renders an axis value the way it appears in directory names.
// Floats use the shortest exact representation, so 5.0 and 5 name the same
// directory.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// pointSet holds one point of a generation's cross product, in axis order.
type pointSet struct {
	names  []string
	values []any
}

// crossProduct enumerates every combination of the axes' values with the
// first axis varying slowest, so sibling order matches the declared axis
// order. A generation without axes yields a single empty point.
func crossProduct(axes []*Axis) []pointSet {
	total := 1
	for _, axis := range axes {
		total *= len(axis.Values)
	}
	names := make([]string, len(axes))
	for i, axis := range axes {
		names[i] = axis.Name
	}
	points := make([]pointSet, 0, total)
	indices := make([]int, len(axes))
	for range total {
		values := make([]any, len(axes))
		for i, axis := range axes {
			values[i] = axis.Values[indices[i]]
		}
		points = append(points, pointSet{names: names, values: values})
		for i := len(axes) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(axes[i].Values) {
				break
			}
			indices[i] = 0
		}
	}
	return points
}

// dirName renders a point as the job directory segment, e.g. "energy_450_seed_1".
func (p pointSet) dirName() string {
	parts := make([]string, 0, len(p.names)*2)
	for i, name := range p.names {
		parts = append(parts, name, FormatValue(p.values[i]))
	}
	return strings.Join(parts, "_")
}
