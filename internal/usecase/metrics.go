package usecase

import "context"

// MetricsSummary represents aggregated service insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	DocumentRequests           int64   `json:"document_requests"`
	FaceRequests               int64   `json:"face_requests"`
	IdentityRequests           int64   `json:"identity_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates metrics from persisted results.
func (s *Service) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              agg.TotalCount,
		SuccessfulRequests:         agg.SuccessCount,
		DocumentRequests:           agg.DocumentCount,
		FaceRequests:               agg.FaceCount,
		IdentityRequests:           agg.IdentityCount,
		AverageScore:               agg.AverageScore,
		AverageProcessingLatencyMs: agg.AverageProcessingLatencyMs,
	}
	if agg.TotalCount > 0 {
		summary.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalCount)
	}
	return summary, nil
}
