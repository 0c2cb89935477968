package reshape

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/resilience"
)

// ErrMalformedPayload is returned when a raw object is not a region-data
// response. It is always wrapped in a resilience.PermanentError.
var ErrMalformedPayload = eris.New("reshape: malformed payload")

func malformed(format string, args ...any) error {
	return resilience.NewPermanentError(eris.Wrapf(ErrMalformedPayload, format, args...))
}

// metricColumns maps each recognized metric type to its silver column.
var metricColumns = map[model.MetricType]func(*model.SilverRow) **int64{
	model.MetricDemand:           func(r *model.SilverRow) **int64 { return &r.DemandMWh },
	model.MetricDemandForecast:   func(r *model.SilverRow) **int64 { return &r.DemandForecastMWh },
	model.MetricNetGeneration:    func(r *model.SilverRow) **int64 { return &r.NetGenerationMWh },
	model.MetricTotalInterchange: func(r *model.SilverRow) **int64 { return &r.TotalInterchangeMWh },
}

type rowKey struct {
	period     string
	respondent string
}

// Pivot turns long-format records into one wide row per (period, respondent),
// in the order each pair first appears. Region name and units come from the
// first record of a pair. Records with an unrecognized type contribute
// nothing; metrics with no record stay nil.
func Pivot(records []model.MeasurementRecord, ingestedAt time.Time) ([]model.SilverRow, error) {
	ingestedAt = ingestedAt.UTC()
	index := make(map[rowKey]int, len(records))
	rows := make([]model.SilverRow, 0, len(records)/4+1)

	for i, rec := range records {
		if rec.Respondent == "" {
			return nil, malformed("record %d has no respondent", i)
		}
		k := rowKey{period: rec.Period, respondent: rec.Respondent}

		pos, ok := index[k]
		if !ok {
			ts, err := time.Parse(model.PeriodLayout, rec.Period)
			if err != nil {
				return nil, malformed("record %d has period %q", i, rec.Period)
			}
			rows = append(rows, model.SilverRow{
				Timestamp:  ts.UTC(),
				RegionCode: rec.Respondent,
				RegionName: rec.RespondentName,
				ValueUnits: rec.ValueUnits,
				IngestedAt: ingestedAt,
			})
			pos = len(rows) - 1
			index[k] = pos
		}

		column, known := metricColumns[rec.Type]
		if !known || rec.Value == nil {
			continue
		}
		v := int64(*rec.Value)
		*column(&rows[pos]) = &v
	}
	return rows, nil
}
