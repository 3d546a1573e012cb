package face

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/vecgo/distance"
)

// Metric names a symmetric distance between embeddings.
type Metric string

const (
	MetricCosine      Metric = "cosine"
	MetricEuclidean   Metric = "euclidean"
	MetricEuclideanL2 Metric = "euclidean_l2"
)

var (
	ErrUnknownMetric       = errors.New("unknown distance metric")
	ErrEmbeddingMismatch   = errors.New("embeddings differ in length")
	ErrDegenerateEmbedding = errors.New("embedding has zero norm")
)

// ParseMetric resolves a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricEuclidean, MetricEuclideanL2:
		return m, nil
	case "":
		return MetricCosine, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Distance computes the metric between a and b. Cosine distance lies in
// [0,2], euclidean_l2 in [0,2] as well since both operands are normalized
// first.
func (m Metric) Distance(a, b Embedding) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("%w: %d vs %d", ErrEmbeddingMismatch, len(a), len(b))
	}
	switch m {
	case MetricEuclidean:
		return math.Sqrt(float64(distance.SquaredL2(a, b))), nil
	case MetricCosine, MetricEuclideanL2:
		na, ok := distance.NormalizeL2Copy(a)
		if !ok {
			return 0, ErrDegenerateEmbedding
		}
		nb, ok := distance.NormalizeL2Copy(b)
		if !ok {
			return 0, ErrDegenerateEmbedding
		}
		if m == MetricEuclideanL2 {
			return math.Sqrt(float64(distance.SquaredL2(na, nb))), nil
		}
		d := 1 - float64(distance.Dot(na, nb))
		if d < 0 {
			d = 0
		}
		return d, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, string(m))
}
