package aggregate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func hour(h int) time.Time {
	return time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC)
}

func silverRow(ts time.Time, demand int64) model.SilverRow {
	return model.SilverRow{
		Timestamp:  ts,
		RegionCode: "ISNE",
		RegionName: "ISO New England",
		DemandMWh:  model.Int64Ptr(demand),
		ValueUnits: "megawatthours",
		IngestedAt: ts.Add(time.Hour),
	}
}

func openSQLite(t *testing.T) *warehouse.SQLite {
	t.Helper()
	wh, err := warehouse.NewSQLite(filepath.Join(t.TempDir(), "wh.db"))
	require.NoError(t, err)
	t.Cleanup(wh.Close)
	require.NoError(t, wh.Migrate(context.Background()))
	return wh
}

type fakeRunLog struct {
	completed []*model.RunResult
	failed    []string
}

func (r *fakeRunLog) StartRun(context.Context, model.Stage) (int64, error) { return 1, nil }

func (r *fakeRunLog) CompleteRun(_ context.Context, _ int64, res *model.RunResult) error {
	r.completed = append(r.completed, res)
	return nil
}

func (r *fakeRunLog) FailRun(_ context.Context, _ int64, msg string) error {
	r.failed = append(r.failed, msg)
	return nil
}

func (r *fakeRunLog) ListRuns(context.Context, int) ([]model.RunEntry, error) { return nil, nil }

func (r *fakeRunLog) LastSuccess(context.Context, model.Stage) (*time.Time, error) { return nil, nil }

func TestRun_SumsOnceAndNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	_, err := wh.UpsertSilver(ctx, []model.SilverRow{
		silverRow(hour(1), 10),
		silverRow(hour(2), 20),
		silverRow(hour(3), 5),
	})
	require.NoError(t, err)

	agg := New(wh, wh)
	agg.now = func() time.Time { return time.Date(2024, 5, 2, 0, 15, 0, 0, time.UTC) }

	before := testutil.ToFloat64(monitoring.GoldRowsInserted)
	res, err := agg.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, float64(1), testutil.ToFloat64(monitoring.GoldRowsInserted)-before)

	gold, err := wh.ListGold(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gold, 1)
	assert.Equal(t, "ISNE", gold[0].RegionCode)
	require.NotNil(t, gold[0].TotalDemandMWh)
	assert.Equal(t, int64(35), *gold[0].TotalDemandMWh)
	assert.Nil(t, gold[0].TotalNetGenerationMWh)

	res, err = agg.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	gold, err = wh.ListGold(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, gold, 1)

	runs, err := wh.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, model.StageAggregate, run.Stage)
		assert.Equal(t, model.RunStatusComplete, run.Status)
	}
}

func TestRun_PartialDayKeepsFirstTotals(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	_, err := wh.UpsertSilver(ctx, []model.SilverRow{silverRow(hour(1), 10)})
	require.NoError(t, err)

	agg := New(wh, nil)
	_, err = agg.Run(ctx)
	require.NoError(t, err)

	_, err = wh.UpsertSilver(ctx, []model.SilverRow{silverRow(hour(2), 20)})
	require.NoError(t, err)
	res, err := agg.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	gold, err := wh.ListGold(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gold, 1)
	assert.Equal(t, int64(10), *gold[0].TotalDemandMWh)
}

func TestRun_EmptySilver(t *testing.T) {
	wh := openSQLite(t)

	res, err := New(wh, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
}

func TestRun_Postgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 5, 2, 0, 15, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gold.daily_region_totals").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("INSERT", 4))
	mock.ExpectCommit()
	mock.ExpectRollback()

	runs := &fakeRunLog{}
	agg := New(warehouse.NewPostgres(mock, nil), runs)
	agg.now = func() time.Time { return now }

	res, err := agg.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Inserted)
	assert.Equal(t, now, res.RanAt)
	require.Len(t, runs.completed, 1)
	assert.Equal(t, int64(4), runs.completed[0].Rows)
}

func TestRun_FailureRollsBackAndIsRecorded(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gold.daily_region_totals").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	runs := &fakeRunLog{}
	_, err = New(warehouse.NewPostgres(mock, nil), runs).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate: insert gold")
	assert.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, runs.failed, 1)
	assert.Contains(t, runs.failed[0], "deadlock detected")
	assert.Empty(t, runs.completed)
}
