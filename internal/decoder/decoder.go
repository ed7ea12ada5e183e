// Package decoder turns the aggregator's flat output array into per-feature
// statistics using the schema submitted with the job.
package decoder

import (
	"io"
	"log/slog"
	"math"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
)

const (
	booleanWidth     = 2 // [notNull, trueCount]
	numericWidth     = 7 // [notNull, min, max, avg, q1, q2, q3]
	categoricalWidth = 3 // [notNull, uniqueCount, topValueCount]
)

// Decoder decodes aggregator output. It holds no state besides its logger.
type Decoder struct {
	logger *slog.Logger
}

// New creates a Decoder. A nil logger discards log output.
func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{logger: logger}
}

// Decode walks the schema in order and decodes each feature's slice of output.
// Features whose slice is out of range or shorter than declared are skipped;
// every other feature is still decoded.
func (d *Decoder) Decode(schema []domain.FeatureSpec, output []float64) []domain.DecodedFeature {
	result := make([]domain.DecodedFeature, 0, len(schema))

	for _, spec := range schema {
		slice, ok := d.slice(spec, output)
		if !ok {
			continue
		}

		dataType := spec.EffectiveDataType()
		switch dataType {
		case domain.DataTypeBoolean:
			result = append(result, d.decodeBoolean(spec.FeatureName, slice))
		case domain.DataTypeNumeric:
			result = append(result, d.decodeNumeric(spec.FeatureName, slice))
		case domain.DataTypeNominal, domain.DataTypeOrdinal:
			result = append(result, d.decodeCategorical(spec.FeatureName, slice))
		default:
			d.logger.Warn("Unknown data type, using generic decode",
				slog.String("feature", spec.FeatureName),
				slog.String("data_type", dataType),
			)
			result = append(result, decodeGeneric(spec.FeatureName, dataType, slice, spec.EffectiveFields()))
		}
	}

	return result
}

func (d *Decoder) slice(spec domain.FeatureSpec, output []float64) ([]float64, bool) {
	if spec.Offset < 0 || spec.Length < 0 {
		d.logger.Warn("Feature slice out of range, skipping",
			slog.String("feature", spec.FeatureName),
			slog.Int("offset", spec.Offset),
			slog.Int("length", spec.Length),
			slog.Int("output_len", len(output)),
		)
		return nil, false
	}

	// a zero-length feature decodes from an empty slice wherever its offset points
	if spec.Length == 0 {
		return []float64{}, true
	}

	// compared without adding offset and length, which could overflow
	if spec.Offset >= len(output) || spec.Length > len(output)-spec.Offset {
		d.logger.Warn("Aggregator output too short for feature, skipping",
			slog.String("feature", spec.FeatureName),
			slog.Int("offset", spec.Offset),
			slog.Int("expected", spec.Length),
			slog.Int("output_len", len(output)),
		)
		return nil, false
	}

	return output[spec.Offset : spec.Offset+spec.Length], true
}

func (d *Decoder) decodeBoolean(name string, data []float64) domain.DecodedFeature {
	feature := domain.DecodedFeature{
		FeatureName:    name,
		DataType:       domain.DataTypeBoolean,
		AggregatedTrue: domain.Float(0),
		Percentage:     domain.Float(0),
	}
	if len(data) < booleanWidth {
		d.logger.Warn("Insufficient data for boolean feature", slog.String("feature", name))
		return feature
	}

	notNull, trueCount := data[0], data[1]
	feature.AggregatedNotNull = notNull
	feature.AggregatedTrue = domain.Float(trueCount)
	feature.Percentage = domain.Float(round2(ratioPercent(trueCount, notNull)))
	return feature
}

func (d *Decoder) decodeNumeric(name string, data []float64) domain.DecodedFeature {
	feature := domain.DecodedFeature{
		FeatureName: name,
		DataType:    domain.DataTypeNumeric,
	}
	if len(data) < numericWidth {
		d.logger.Warn("Insufficient data for numeric feature", slog.String("feature", name))
		return feature
	}

	feature.AggregatedNotNull = data[0]
	feature.AggregatedMin = domain.Float(data[1])
	feature.AggregatedMax = domain.Float(data[2])
	feature.AggregatedAvg = domain.Float(data[3])
	feature.AggregatedQ1 = domain.Float(data[4])
	feature.AggregatedQ2 = domain.Float(data[5])
	feature.AggregatedQ3 = domain.Float(data[6])
	return feature
}

func (d *Decoder) decodeCategorical(name string, data []float64) domain.DecodedFeature {
	feature := domain.DecodedFeature{
		FeatureName: name,
		DataType:    domain.DataTypeCategorical,
	}
	if len(data) < categoricalWidth {
		d.logger.Warn("Insufficient data for categorical feature", slog.String("feature", name))
		return feature
	}

	notNull, unique, top := data[0], data[1], data[2]
	feature.AggregatedNotNull = notNull
	feature.AggregatedUniqueValues = domain.Float(unique)
	feature.AggregatedTopValueCount = domain.Float(top)
	feature.Diversity = domain.Float(round2(ratioPercent(unique, notNull)))
	return feature
}

// decodeGeneric maps fields[1:] onto data[1:]; fields[0] is always the not-null count.
func decodeGeneric(name, dataType string, data []float64, fields []string) domain.DecodedFeature {
	feature := domain.DecodedFeature{
		FeatureName: name,
		DataType:    dataType,
	}
	if len(data) > 0 {
		feature.AggregatedNotNull = data[0]
	}

	for i := 1; i < len(fields) && i < len(data); i++ {
		if feature.Extra == nil {
			feature.Extra = make(map[string]float64)
		}
		feature.Extra[domain.GenericFieldKey(fields[i])] = data[i]
	}

	return feature
}

func ratioPercent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
