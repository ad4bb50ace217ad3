package sink

import (
	"context"
	"fmt"
	"strconv"

	"decibel-monitor/common/config"
	"decibel-monitor/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Measurement InfluxDB 中的测量名
const Measurement = "noise_level"

// InfluxSink 把采样写入 InfluxDB 时序库，时间戳使用设备上报时间
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// NewInfluxSink 创建 InfluxDB 镜像
func NewInfluxSink(cfg *config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
}

func (s *InfluxSink) Name() string {
	return "influxdb"
}

// Ping 检查 InfluxDB 健康状态
func (s *InfluxSink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

func (s *InfluxSink) Write(ctx context.Context, reading *models.StoredReading) error {
	fields := map[string]interface{}{
		"avg_db":    reading.AvgDB,
		"min_db":    reading.MinDB,
		"max_db":    reading.MaxDB,
		"report_id": reading.ID,
	}
	if reading.Location != nil {
		fields["latitude"] = reading.Location.Latitude
		fields["longitude"] = reading.Location.Longitude
	}

	point := influxdb2.NewPoint(
		Measurement,
		map[string]string{"device_id": strconv.FormatInt(reading.DeviceID, 10)},
		fields,
		reading.Timestamp,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write report %d to InfluxDB bucket %s: %w", reading.ID, s.bucket, err)
	}
	return nil
}

// Close 释放客户端
func (s *InfluxSink) Close() {
	s.client.Close()
}
