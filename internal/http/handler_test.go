package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"decibel-monitor/internal/models"
	"decibel-monitor/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fakeReports struct {
	reports    []*models.StoredReading
	err        error
	lastFilter repository.ReportFilter
}

func (f *fakeReports) ListReports(ctx context.Context, filter repository.ReportFilter) ([]*models.StoredReading, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.reports, nil
}

func (f *fakeReports) GetReport(ctx context.Context, id int64) (*models.StoredReading, error) {
	for _, r := range f.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeDevices struct {
	devices []models.Device

	lastLimit, lastOffset int
}

func (f *fakeDevices) ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error) {
	f.lastLimit, f.lastOffset = limit, offset
	return f.devices, nil
}

func (f *fakeDevices) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	for _, d := range f.devices {
		if d.ID == id {
			d := d
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeLogs struct {
	entries []*models.LogEntry
}

func (f *fakeLogs) ListLogEntries(ctx context.Context, limit, offset int) ([]*models.LogEntry, error) {
	return f.entries, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

var fixedNow = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

func sampleReports() []*models.StoredReading {
	return []*models.StoredReading{
		{
			ID: 2,
			Reading: models.Reading{
				DeviceID: 7, AvgDB: 43, MinDB: 31, MaxDB: 56,
				Location:  &models.GeoPoint{Latitude: -23.5, Longitude: -46.6},
				Timestamp: time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
			},
		},
		{
			ID: 1,
			Reading: models.Reading{
				DeviceID: 7, AvgDB: 42.5, MinDB: 30, MaxDB: 55,
				Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			},
		},
	}
}

type testEnv struct {
	reports *fakeReports
	devices *fakeDevices
	logs    *fakeLogs
	router  http.Handler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		reports: &fakeReports{reports: sampleReports()},
		devices: &fakeDevices{devices: []models.Device{{ID: 7}, {ID: 9}}},
		logs:    &fakeLogs{},
	}
	h := NewHandler(env.reports, env.devices, env.logs, fakePinger{}, 24*time.Hour, zap.NewNop())
	h.now = func() time.Time { return fixedNow }
	env.router = NewRouter(h, nil, NewCORS([]string{"*"}))
	return env
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestListReports(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/api/reports?microcontroller_id=7&limit=10&offset=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []models.ReportView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, int64(2), views[0].ReportID)
	assert.Equal(t, "2024-03-01T10:00:05", views[0].Timestamp)
	require.NotNil(t, views[0].Latitude)
	assert.Nil(t, views[1].Latitude)

	f := env.reports.lastFilter
	require.NotNil(t, f.DeviceID)
	assert.Equal(t, int64(7), *f.DeviceID)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 5, f.Offset)
}

func TestListReports_NullCoordinatesInJSON(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/api/reports")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw, 2)
	v, present := raw[1]["latitude"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestListReports_InvalidParams(t *testing.T) {
	env := newTestEnv()

	for _, target := range []string{
		"/api/reports?limit=0",
		"/api/reports?limit=2001",
		"/api/reports?limit=abc",
		"/api/reports?offset=-1",
		"/api/reports?microcontroller_id=x",
		"/api/reports?start_date=2024-13-01",
		"/api/reports?end_date=01/03/2024",
		"/api/reports?start_date=2024-03-05&end_date=2024-03-01",
	} {
		rec := env.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), target)
		assert.NotEmpty(t, body.Detail, target)
	}
}

func TestListReports_StoreError(t *testing.T) {
	env := newTestEnv()
	env.reports.err = errors.New("connection refused")

	rec := env.get(t, "/api/reports")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestBuildReportFilter(t *testing.T) {
	t.Run("defaults to lookback window", func(t *testing.T) {
		f, err := buildReportFilter(url.Values{}, fixedNow, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, defaultReportLimit, f.Limit)
		assert.Equal(t, 0, f.Offset)
		assert.Nil(t, f.DeviceID)
		require.NotNil(t, f.From)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *f.From)
		assert.Nil(t, f.Until)
	})

	t.Run("date range is start inclusive end exclusive next day", func(t *testing.T) {
		q := url.Values{"start_date": {"2024-03-01"}, "end_date": {"2024-03-01"}}
		f, err := buildReportFilter(q, fixedNow, 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, f.From)
		require.NotNil(t, f.Until)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *f.From)
		assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *f.Until)
	})

	t.Run("only end date disables lookback", func(t *testing.T) {
		q := url.Values{"end_date": {"2024-02-10"}}
		f, err := buildReportFilter(q, fixedNow, 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, f.From)
		require.NotNil(t, f.Until)
		assert.Equal(t, time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC), *f.Until)
	})

	t.Run("zero lookback means unbounded", func(t *testing.T) {
		f, err := buildReportFilter(url.Values{}, fixedNow, 0)
		require.NoError(t, err)
		assert.Nil(t, f.From)
	})

	t.Run("max limit accepted", func(t *testing.T) {
		f, err := buildReportFilter(url.Values{"limit": {"2000"}}, fixedNow, 0)
		require.NoError(t, err)
		assert.Equal(t, 2000, f.Limit)
	})
}

func TestGetReport(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/api/reports/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var view models.ReportView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(1), view.ReportID)
	assert.Equal(t, 42.5, view.AvgDB)

	rec = env.get(t, "/api/reports/404")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"report not found"}`, rec.Body.String())

	rec = env.get(t, "/api/reports/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportReports(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/api/reports/export?microcontroller_id=7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "noise_reports_20240302_120000.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(reportSheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ReportExportHeader, rows[0])
	assert.Equal(t, "2", rows[1][0])
	assert.Equal(t, "-23.5", rows[1][5])
	assert.Equal(t, "2024-03-01T10:00:05", rows[1][7])
	assert.Equal(t, "", rows[2][5])
	assert.Equal(t, "2024-03-01T10:00:00", rows[2][7])
}

func TestDevices(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/api/microcontrollers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":7},{"id":9}]`, rec.Body.String())
	assert.Equal(t, defaultPageLimit, env.devices.lastLimit)
	assert.Equal(t, 0, env.devices.lastOffset)

	rec = env.get(t, "/api/microcontrollers?limit=1001")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get(t, "/api/microcontrollers/7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":7}`, rec.Body.String())

	rec = env.get(t, "/api/microcontrollers/8")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"microcontroller not found"}`, rec.Body.String())
}

func TestListLogs(t *testing.T) {
	env := newTestEnv()
	id := int64(13)
	env.logs.entries = []*models.LogEntry{
		{ID: 2, Level: "ERROR", Message: "Failed to persist reading", Timestamp: time.Date(2024, 3, 1, 10, 0, 1, 500000000, time.UTC), MicrocontrollerID: &id},
		{ID: 1, Level: "WARN", Message: "Telemetry message rejected", Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
	}

	rec := env.get(t, "/api/logs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"id":2,"level":"ERROR","message":"Failed to persist reading","timestamp":"2024-03-01T10:00:01.5","microcontroller_id":13},
		{"id":1,"level":"WARN","message":"Telemetry message rejected","timestamp":"2024-03-01T10:00:00","microcontroller_id":null}
	]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv()
	rec := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	h := NewHandler(env.reports, env.devices, env.logs, fakePinger{err: errors.New("down")}, 0, zap.NewNop())
	router := NewRouter(h, nil, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_CORSAndLiveEndpoint(t *testing.T) {
	env := newTestEnv()
	live := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewHandler(env.reports, env.devices, env.logs, fakePinger{}, 0, zap.NewNop())
	router := NewRouter(h, live, NewCORS([]string{"http://dashboard.local"}))

	req := httptest.NewRequest(http.MethodGet, "/api/microcontrollers", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/microcontrollers", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reports", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
