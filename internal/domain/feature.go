package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FeatureSpec maps a contiguous slice of the aggregator output to one named feature
type FeatureSpec struct {
	FeatureName string   `json:"featureName"`
	Offset      int      `json:"offset"`
	Length      int      `json:"length"`
	DataType    string   `json:"dataType,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// EffectiveDataType returns the declared data type, BOOLEAN when none was given
func (s FeatureSpec) EffectiveDataType() string {
	if s.DataType == "" {
		return DataTypeBoolean
	}
	return s.DataType
}

// EffectiveFields returns the declared field names or DefaultFields
func (s FeatureSpec) EffectiveFields() []string {
	if len(s.Fields) == 0 {
		return DefaultFields
	}
	return s.Fields
}

// DecodedFeature holds the statistics decoded for one feature.
// Which fields are set depends on DataType; Extra carries the generic
// aggregated<Field> values of unknown data types.
type DecodedFeature struct {
	FeatureName       string
	DataType          string
	AggregatedNotNull float64

	// BOOLEAN
	AggregatedTrue *float64
	Percentage     *float64

	// NUMERIC
	AggregatedMin *float64
	AggregatedMax *float64
	AggregatedAvg *float64
	AggregatedQ1  *float64
	AggregatedQ2  *float64
	AggregatedQ3  *float64

	// CATEGORICAL
	AggregatedUniqueValues  *float64
	AggregatedTopValueCount *float64
	Diversity               *float64

	Extra map[string]float64
}

// Float returns a pointer to v, for populating DecodedFeature
func Float(v float64) *float64 {
	return &v
}

func (f *DecodedFeature) pointerFields() map[string]**float64 {
	return map[string]**float64{
		"aggregatedTrue":          &f.AggregatedTrue,
		"percentage":              &f.Percentage,
		"aggregatedMin":           &f.AggregatedMin,
		"aggregatedMax":           &f.AggregatedMax,
		"aggregatedAvg":           &f.AggregatedAvg,
		"aggregatedQ1":            &f.AggregatedQ1,
		"aggregatedQ2":            &f.AggregatedQ2,
		"aggregatedQ3":            &f.AggregatedQ3,
		"aggregatedUniqueValues":  &f.AggregatedUniqueValues,
		"aggregatedTopValueCount": &f.AggregatedTopValueCount,
		"diversity":               &f.Diversity,
	}
}

// MarshalJSON flattens the populated statistics into a single object
func (f DecodedFeature) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(f.Extra))
	for k, v := range f.Extra {
		out[k] = v
	}
	for k, p := range f.pointerFields() {
		if *p != nil {
			out[k] = **p
		}
	}
	out["featureName"] = f.FeatureName
	out["dataType"] = f.DataType
	out["aggregatedNotNull"] = f.AggregatedNotNull
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (f *DecodedFeature) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var decoded DecodedFeature
	fields := decoded.pointerFields()

	for key, value := range raw {
		switch key {
		case "featureName":
			if err := json.Unmarshal(value, &decoded.FeatureName); err != nil {
				return fmt.Errorf("featureName: %w", err)
			}
		case "dataType":
			if err := json.Unmarshal(value, &decoded.DataType); err != nil {
				return fmt.Errorf("dataType: %w", err)
			}
		case "aggregatedNotNull":
			if err := json.Unmarshal(value, &decoded.AggregatedNotNull); err != nil {
				return fmt.Errorf("aggregatedNotNull: %w", err)
			}
		default:
			var v float64
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if p, ok := fields[key]; ok {
				*p = Float(v)
				continue
			}
			if decoded.Extra == nil {
				decoded.Extra = make(map[string]float64)
			}
			decoded.Extra[key] = v
		}
	}

	*f = decoded
	return nil
}

// GenericFieldKey builds the result key for a generic field: "aggregated" + capitalized name.
// Capitalization upper-cases the first letter and lower-cases the rest.
func GenericFieldKey(field string) string {
	if field == "" {
		return "aggregated"
	}
	runes := []rune(strings.ToLower(field))
	return "aggregated" + strings.ToUpper(string(runes[0])) + string(runes[1:])
}
