package models

import "time"

// TimestampLayout 传感器上报的本地时间格式（无时区）
const TimestampLayout = "2006-01-02 15:04:05"

// ViewTimeLayout 对外输出的时间格式
const ViewTimeLayout = "2006-01-02T15:04:05"

// Device 微控制器（噪声传感器），ID 由设备自身分配
type Device struct {
	ID int64 `json:"id"`
}

// GeoPoint 设备上报的位置
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Reading 一次解码后的噪声采样
// Timestamp 是设备本地的"朴素"时间，以 UTC 作为载体保存，不做时区换算
type Reading struct {
	DeviceID  int64
	AvgDB     float64
	MinDB     float64
	MaxDB     float64
	Location  *GeoPoint
	Timestamp time.Time
}

// StoredReading 已持久化的采样
type StoredReading struct {
	ID int64
	Reading

	// DeviceCreated 本次事务是否新建了设备
	DeviceCreated bool
}

// ReportView 对外 JSON 结构（查询接口与实时推送共用）
type ReportView struct {
	ReportID          int64    `json:"report_id"`
	MicrocontrollerID int64    `json:"microcontroller_id"`
	AvgDB             float64  `json:"avg_db"`
	MinDB             float64  `json:"min_db"`
	MaxDB             float64  `json:"max_db"`
	Latitude          *float64 `json:"latitude"`
	Longitude         *float64 `json:"longitude"`
	Timestamp         string   `json:"timestamp"`
}

// View 转换为对外 JSON 结构
func (s *StoredReading) View() ReportView {
	v := ReportView{
		ReportID:          s.ID,
		MicrocontrollerID: s.DeviceID,
		AvgDB:             s.AvgDB,
		MinDB:             s.MinDB,
		MaxDB:             s.MaxDB,
		Timestamp:         s.Timestamp.Format(ViewTimeLayout),
	}
	if s.Location != nil {
		lat, lon := s.Location.Latitude, s.Location.Longitude
		v.Latitude = &lat
		v.Longitude = &lon
	}
	return v
}
