package models

import "time"

// LogEntry 持久化的运行日志（日志面板）
type LogEntry struct {
	ID                int64
	Level             string
	Message           string
	Timestamp         time.Time
	MicrocontrollerID *int64
}

// LogEntryView 对外 JSON 结构
type LogEntryView struct {
	ID                int64  `json:"id"`
	Level             string `json:"level"`
	Message           string `json:"message"`
	Timestamp         string `json:"timestamp"`
	MicrocontrollerID *int64 `json:"microcontroller_id"`
}

// View 转换为对外 JSON 结构
func (e *LogEntry) View() LogEntryView {
	return LogEntryView{
		ID:                e.ID,
		Level:             e.Level,
		Message:           e.Message,
		Timestamp:         e.Timestamp.Format("2006-01-02T15:04:05.999999"),
		MicrocontrollerID: e.MicrocontrollerID,
	}
}
