// Package pgvec serializes dense vectors for the pgvector driver and maps
// the deploy-time metric to index operators.
package pgvec

import (
	"math"
	"strconv"
	"strings"
)

// Literal renders v as the literal accepted by a vector column: brackets,
// comma separators, eight decimal digits per element, no whitespace.
func Literal(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*12 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', 8, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// Normalize coerces each element to a finite float32 and drops NaN and
// infinite values.
func Normalize(v []float64) []float32 {
	out := make([]float32, 0, len(v))
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		out = append(out, float32(x))
	}
	return out
}

// Operator returns the distance operator for the metric. The engine assumes
// one metric for the lifetime of the index.
func Operator(metric string) string {
	switch metric {
	case "l2":
		return "<->"
	case "ip":
		return "<#>"
	default:
		return "<=>"
	}
}

// OpClass returns the index operator class for the metric.
func OpClass(metric string) string {
	switch metric {
	case "l2":
		return "vector_l2_ops"
	case "ip":
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}
