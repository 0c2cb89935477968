// Package model defines the records passed between pipeline stages.
package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// PeriodLayout is the hour-granularity timestamp format used by the EIA API
// for both query bounds and record periods.
const PeriodLayout = "2006-01-02T15"

// MetricType is the measurement tag carried by each long-format record.
type MetricType string

const (
	MetricDemand           MetricType = "D"
	MetricDemandForecast   MetricType = "DF"
	MetricNetGeneration    MetricType = "NG"
	MetricTotalInterchange MetricType = "TI"
)

// Checkpoint marks the last hour boundary that was successfully ingested.
type Checkpoint struct {
	LastIngestedUTC time.Time `json:"last_ingested_utc"`
}

// Payload is the upstream response envelope. Response is a pointer so a body
// without the "response" key can be told apart from an empty one.
type Payload struct {
	Response *PayloadResponse `json:"response"`
}

// PayloadResponse holds the records of one API response.
type PayloadResponse struct {
	Total    FlexInt             `json:"total"`
	Data     []MeasurementRecord `json:"data"`
	Warnings []PayloadWarning    `json:"warnings,omitempty"`
}

// PayloadWarning is an advisory message the API attaches to a response.
type PayloadWarning struct {
	Warning     string `json:"warning"`
	Description string `json:"description"`
}

// MeasurementRecord is one long-format row: a single metric for one
// (period, respondent) pair.
type MeasurementRecord struct {
	Period         string     `json:"period"`
	Respondent     string     `json:"respondent"`
	RespondentName string     `json:"respondent-name"`
	Type           MetricType `json:"type"`
	TypeName       string     `json:"type-name,omitempty"`
	Value          *FlexInt   `json:"value"`
	ValueUnits     string     `json:"value-units"`
}

// SilverRow is the wide-format record: one row per (timestamp, region) with
// every metric as a nullable column.
type SilverRow struct {
	Timestamp           time.Time `json:"timestamp" parquet:"timestamp,timestamp(millisecond)"`
	RegionCode          string    `json:"region_code" parquet:"region_code"`
	RegionName          string    `json:"region_name" parquet:"region_name"`
	DemandMWh           *int64    `json:"demand_mwh" parquet:"demand_mwh,optional"`
	DemandForecastMWh   *int64    `json:"demand_forecast_mwh" parquet:"demand_forecast_mwh,optional"`
	NetGenerationMWh    *int64    `json:"net_generation_mwh" parquet:"net_generation_mwh,optional"`
	TotalInterchangeMWh *int64    `json:"total_interchange_mwh" parquet:"total_interchange_mwh,optional"`
	ValueUnits          string    `json:"value_units" parquet:"value_units"`
	IngestedAt          time.Time `json:"ingested_at" parquet:"ingested_at,timestamp(millisecond)"`
}

// GoldRow is a daily per-region summary.
type GoldRow struct {
	Day                   time.Time `json:"day" yaml:"day"`
	RegionCode            string    `json:"region_code" yaml:"region_code"`
	TotalDemandMWh        *int64    `json:"total_demand_mwh" yaml:"total_demand_mwh"`
	TotalNetGenerationMWh *int64    `json:"total_net_generation_mwh" yaml:"total_net_generation_mwh"`
	IngestedAt            time.Time `json:"ingested_at" yaml:"ingested_at"`
}

// RawObjectRef identifies a bronze object. It is the message handed from the
// storage layer to the Reshaper.
type RawObjectRef struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// FlexInt decodes an integer sent either as a JSON number or as a numeric
// string. The API is not consistent about which one it uses.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return eris.Wrap(err, "model: decode numeric string")
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// Whole numbers written as floats ("12.0", "1e3") are accepted.
		fl, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil || fl != math.Trunc(fl) {
			return eris.Errorf("model: %q is not an integer", string(b))
		}
		if fl < float64(math.MinInt64) || fl >= -float64(math.MinInt64) {
			return eris.Errorf("model: %q is out of range", string(b))
		}
		n = int64(fl)
	}
	*f = FlexInt(n)
	return nil
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
