package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"decibel-monitor/internal/models"
	"decibel-monitor/internal/repository"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	dateLayout = "2006-01-02"

	defaultReportLimit = 1000
	maxReportLimit     = 2000
	defaultPageLimit   = 100
	maxPageLimit       = 1000
)

// ReportStore 采样查询（ReadingRepository 实现）
type ReportStore interface {
	ListReports(ctx context.Context, filter repository.ReportFilter) ([]*models.StoredReading, error)
	GetReport(ctx context.Context, id int64) (*models.StoredReading, error)
}

// DeviceStore 设备查询（DeviceRepository 实现）
type DeviceStore interface {
	ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
}

// LogStore 日志面板查询（LogEntryRepository 实现）
type LogStore interface {
	ListLogEntries(ctx context.Context, limit, offset int) ([]*models.LogEntry, error)
}

// Pinger 健康检查（*sql.DB 实现）
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler 查询接口
type Handler struct {
	reports  ReportStore
	devices  DeviceStore
	logs     LogStore
	db       Pinger
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler 创建查询接口
// lookback: 未指定日期过滤时默认返回的时间窗口
func NewHandler(reports ReportStore, devices DeviceStore, logs LogStore, db Pinger, lookback time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		reports:  reports,
		devices:  devices,
		logs:     logs,
		db:       db,
		lookback: lookback,
		now:      time.Now,
		logger:   logger,
	}
}

// ListReports GET /api/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	filter, err := buildReportFilter(r.URL.Query(), h.now(), h.lookback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := h.reports.ListReports(r.Context(), filter)
	if err != nil {
		h.internalError(w, "Failed to list reports", err)
		return
	}

	views := make([]models.ReportView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, rep.View())
	}
	writeJSON(w, http.StatusOK, views)
}

// GetReport GET /api/reports/{report_id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["report_id"], "report_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.reports.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		h.internalError(w, "Failed to get report", err)
		return
	}
	writeJSON(w, http.StatusOK, report.View())
}

// ExportReports GET /api/reports/export
// 与列表接口使用相同的过滤条件，返回 xlsx
func (h *Handler) ExportReports(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	filter, err := buildReportFilter(r.URL.Query(), now, h.lookback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := h.reports.ListReports(r.Context(), filter)
	if err != nil {
		h.internalError(w, "Failed to list reports for export", err)
		return
	}

	data, err := GenerateReportExport(reports)
	if err != nil {
		h.internalError(w, "Failed to generate report export", err)
		return
	}

	filename := fmt.Sprintf("noise_reports_%s.xlsx", now.Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListDevices GET /api/microcontrollers
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r.URL.Query(), defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	devices, err := h.devices.ListDevices(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, "Failed to list microcontrollers", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// GetDevice GET /api/microcontrollers/{id}
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := h.devices.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "microcontroller not found")
			return
		}
		h.internalError(w, "Failed to get microcontroller", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// ListLogs GET /api/logs
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r.URL.Query(), defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.logs.ListLogEntries(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, "Failed to list log entries", err)
		return
	}

	views := make([]models.LogEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.View())
	}
	writeJSON(w, http.StatusOK, views)
}

// Health GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func parsePage(q url.Values, def, max int) (limit, offset int, err error) {
	if limit, err = parseBoundedInt(q, "limit", def, 1, max); err != nil {
		return 0, 0, err
	}
	if offset, err = parseBoundedInt(q, "offset", 0, 0, 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// buildReportFilter 解析采样查询参数
// start_date 从当天 00:00 起（含），end_date 到次日 00:00 止（不含）；
// 两者都未指定时只返回最近 lookback 内的采样
func buildReportFilter(q url.Values, now time.Time, lookback time.Duration) (repository.ReportFilter, error) {
	var filter repository.ReportFilter

	limit, offset, err := parsePage(q, defaultReportLimit, maxReportLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	filter.Offset = offset

	if s := q.Get("microcontroller_id"); s != "" {
		id, err := parseID(s, "microcontroller_id")
		if err != nil {
			return filter, err
		}
		filter.DeviceID = &id
	}

	if s := q.Get("start_date"); s != "" {
		start, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return filter, fmt.Errorf("start_date must be YYYY-MM-DD")
		}
		filter.From = &start
	}
	if s := q.Get("end_date"); s != "" {
		end, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return filter, fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		until := end.AddDate(0, 0, 1)
		filter.Until = &until
	}
	if filter.From != nil && filter.Until != nil && !filter.From.Before(*filter.Until) {
		return filter, fmt.Errorf("start_date must not be after end_date")
	}

	if filter.From == nil && filter.Until == nil && lookback > 0 {
		from := naive(now).Add(-lookback)
		filter.From = &from
	}
	return filter, nil
}

// naive 把本地时间的墙上时钟读数搬到 UTC 载体上，与设备上报时间的存储方式一致
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
