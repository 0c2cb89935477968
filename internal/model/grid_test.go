package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexInt_Unmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"number", `123`, 123},
		{"negative", `-45`, -45},
		{"string", `"678"`, 678},
		{"whole float", `12.0`, 12},
		{"whole float string", `"-3.0"`, -3},
		{"exponent", `1e3`, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f FlexInt
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, int64(f))
		})
	}
}

func TestFlexInt_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"text", `"n/a"`, "not an integer"},
		{"fraction", `12.7`, "not an integer"},
		{"fraction string", `"-3.7"`, "not an integer"},
		{"nan", `"NaN"`, "not an integer"},
		{"too large", `1e30`, "out of range"},
		{"too small", `"-1e30"`, "out of range"},
		{"infinity", `"Inf"`, "out of range"},
		{"overflow integer", `9223372036854775808`, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f FlexInt
			err := json.Unmarshal([]byte(tt.in), &f)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, int64(f))
		})
	}
}

func TestMeasurementRecord_NullValue(t *testing.T) {
	var r MeasurementRecord
	require.NoError(t, json.Unmarshal([]byte(`{"period":"2024-05-01T03","respondent":"ISNE","type":"D","value":null}`), &r))
	assert.Nil(t, r.Value)
	assert.Equal(t, MetricDemand, r.Type)
}

func TestPayload_MissingResponse(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"request":{}}`), &p))
	assert.Nil(t, p.Response)
}

func TestPayload_Decode(t *testing.T) {
	body := `{"response":{"total":"2","data":[
		{"period":"2024-05-01T03","respondent":"ISNE","respondent-name":"ISO New England","type":"D","value":"12000","value-units":"megawatthours"},
		{"period":"2024-05-01T03","respondent":"ISNE","respondent-name":"ISO New England","type":"NG","value":9000,"value-units":"megawatthours"}
	]}}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	require.NotNil(t, p.Response)
	assert.Equal(t, FlexInt(2), p.Response.Total)
	require.Len(t, p.Response.Data, 2)
	assert.Equal(t, FlexInt(12000), *p.Response.Data[0].Value)
	assert.Equal(t, "ISO New England", p.Response.Data[1].RespondentName)
}

func TestSilverRow_JSONShape(t *testing.T) {
	row := SilverRow{
		Timestamp:  time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC),
		RegionCode: "ISNE",
		DemandMWh:  Int64Ptr(10),
	}
	b, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"timestamp":"2024-05-01T03:00:00Z"`)
	assert.Contains(t, string(b), `"demand_mwh":10`)
	assert.Contains(t, string(b), `"net_generation_mwh":null`)
}

func TestCheckpoint_JSONShape(t *testing.T) {
	cp := Checkpoint{LastIngestedUTC: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)}
	b, err := json.Marshal(cp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_ingested_utc":"2024-05-01T03:00:00Z"}`, string(b))
}
