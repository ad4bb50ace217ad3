package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"decibel-monitor/internal/models"
)

// 上报字段名
const (
	FieldID        = "id"
	FieldAvgDB     = "avgdB"
	FieldMinDB     = "mindB"
	FieldMaxDB     = "maxdB"
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldTimestamp = "timestamp"
)

// Reason 拒绝原因
type Reason string

const (
	ReasonMalformed        Reason = "malformed_payload"
	ReasonMissingField     Reason = "missing_field"
	ReasonInvalidNumber    Reason = "invalid_number"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
)

// RejectionError 消息被拒绝（不重试，丢弃）
type RejectionError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *RejectionError) Error() string {
	msg := string(e.Reason)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(reason Reason, field string, err error) *RejectionError {
	return &RejectionError{Reason: reason, Field: field, Err: err}
}

// Decode 将一条原始遥测消息解析为 Reading
// 纯函数：不做 I/O，不依赖共享状态
func Decode(raw []byte) (*models.Reading, error) {
	payload, err := parseObject(raw)
	if err != nil {
		return nil, reject(ReasonMalformed, "", err)
	}

	// 必填字段按固定顺序校验，保证同一输入得到同一拒绝原因
	for _, field := range []string{FieldID, FieldAvgDB, FieldMinDB, FieldMaxDB, FieldTimestamp} {
		if v, ok := payload[field]; !ok || v == nil {
			return nil, reject(ReasonMissingField, field, nil)
		}
	}

	deviceID, err := toInt64(payload[FieldID])
	if err != nil {
		return nil, reject(ReasonInvalidNumber, FieldID, err)
	}

	reading := &models.Reading{DeviceID: deviceID}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{FieldAvgDB, &reading.AvgDB},
		{FieldMinDB, &reading.MinDB},
		{FieldMaxDB, &reading.MaxDB},
	} {
		v, err := toFloat64(payload[f.name])
		if err != nil {
			return nil, reject(ReasonInvalidNumber, f.name, err)
		}
		*f.dst = v
	}

	lat, hasLat, err := optionalFloat(payload, FieldLatitude)
	if err != nil {
		return nil, reject(ReasonInvalidNumber, FieldLatitude, err)
	}
	lon, hasLon, err := optionalFloat(payload, FieldLongitude)
	if err != nil {
		return nil, reject(ReasonInvalidNumber, FieldLongitude, err)
	}
	// 坐标成对出现才记录，单个坐标忽略
	if hasLat && hasLon {
		reading.Location = &models.GeoPoint{Latitude: lat, Longitude: lon}
	}

	ts, err := parseTimestamp(payload[FieldTimestamp])
	if err != nil {
		return nil, reject(ReasonInvalidTimestamp, FieldTimestamp, err)
	}
	reading.Timestamp = ts

	return reading, nil
}

func parseObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after object")
	}
	return payload, nil
}

func optionalFloat(payload map[string]interface{}, field string) (float64, bool, error) {
	v, ok := payload[field]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", val)
		}
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("not an integer: %s", val)
		}
		return int64(f), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", val)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	var f float64
	var err error
	switch val := v.(type) {
	case json.Number:
		f, err = val.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, fmt.Errorf("not a number: %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp must be a string, got %T", v)
	}
	// time.Parse 会接受布局之外的小数秒，先按长度严格限制
	if len(s) != len(models.TimestampLayout) {
		return time.Time{}, fmt.Errorf("timestamp %q does not match %s", s, models.TimestampLayout)
	}
	ts, err := time.ParseInLocation(models.TimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q does not match %s", s, models.TimestampLayout)
	}
	return ts, nil
}
