package sink

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
)

// Handler fans decoded results out to the API sender and every persister
type Handler struct {
	api        *APISender
	persisters []Persister
	logger     *slog.Logger
}

// NewHandler creates a Handler. api may be nil when API delivery is disabled.
func NewHandler(api *APISender, persisters []Persister, logger *slog.Logger) *Handler {
	return &Handler{
		api:        api,
		persisters: persisters,
		logger:     logger,
	}
}

// SendAndSave delivers and persists independently; a failure of one never skips the other.
// APISuccess is true when no API is configured. SaveSuccess requires every persister to succeed.
func (h *Handler) SendAndSave(ctx context.Context, features []domain.DecodedFeature, jobID string, clients []string) Outcome {
	if h.api == nil && len(h.persisters) == 0 {
		h.logResults(features, jobID, clients)
		return Outcome{APISuccess: true}
	}

	outcome := Outcome{APISuccess: true}

	if h.api != nil {
		outcome.APISuccess = h.api.Send(ctx, features, jobID, clients)
		metrics.IncreaseSinkDeliveriesMetric("api", outcome.APISuccess)
		if !outcome.APISuccess {
			h.logger.Error("Failed to send results to API", slog.String("job_id", jobID))
		}
	}

	if len(h.persisters) > 0 {
		outcome.SaveSuccess = true
		for _, p := range h.persisters {
			ok := p.Save(ctx, features, jobID, clients)
			metrics.IncreaseSinkDeliveriesMetric(p.Name(), ok)
			if !ok {
				h.logger.Error("Failed to persist results",
					slog.String("job_id", jobID),
					slog.String("target", p.Name()),
				)
				outcome.SaveSuccess = false
			}
		}
	}

	h.logger.Info("Result sink processing finished",
		slog.String("job_id", jobID),
		slog.Bool("api_success", outcome.APISuccess),
		slog.Bool("save_success", outcome.SaveSuccess),
	)
	return outcome
}

// logResults is used when every target is disabled
func (h *Handler) logResults(features []domain.DecodedFeature, jobID string, clients []string) {
	h.logger.Info("Result delivery and persistence disabled, logging results",
		slog.String("job_id", jobID),
		slog.Any("clients", clients),
		slog.Int("features", len(features)),
	)

	for i, f := range features {
		attrs := []any{
			slog.Int("index", i+1),
			slog.String("feature", f.FeatureName),
			slog.String("data_type", f.DataType),
			slog.Float64("not_null", f.AggregatedNotNull),
		}
		switch f.DataType {
		case domain.DataTypeBoolean:
			attrs = append(attrs, slog.Any("true", deref(f.AggregatedTrue)), slog.Any("percentage", deref(f.Percentage)))
		case domain.DataTypeNumeric:
			attrs = append(attrs, slog.Any("avg", deref(f.AggregatedAvg)), slog.Any("min", deref(f.AggregatedMin)), slog.Any("max", deref(f.AggregatedMax)))
		case domain.DataTypeCategorical:
			attrs = append(attrs, slog.Any("unique", deref(f.AggregatedUniqueValues)), slog.Any("diversity", deref(f.Diversity)))
		default:
			attrs = append(attrs, slog.Any("extra", f.Extra))
		}
		h.logger.Info("Aggregated feature", attrs...)
	}
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
