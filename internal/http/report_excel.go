package httpapi

import (
	"bytes"
	"fmt"

	"decibel-monitor/internal/models"

	"github.com/xuri/excelize/v2"
)

const reportSheetName = "Noise Reports"

// ReportExportHeader 导出表头
var ReportExportHeader = []string{
	"Report ID",
	"Microcontroller ID",
	"Avg dB",
	"Min dB",
	"Max dB",
	"Latitude",
	"Longitude",
	"Timestamp",
}

// GenerateReportExport 生成噪声采样导出 Excel 文件
// reports 为空时只生成表头
func GenerateReportExport(reports []*models.StoredReading) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(reportSheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(reportSheetName, "A1", &ReportExportHeader); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(ReportExportHeader), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(reportSheetName, "A1", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, r := range reports {
		view := r.View()
		row := []interface{}{
			view.ReportID,
			view.MicrocontrollerID,
			view.AvgDB,
			view.MinDB,
			view.MaxDB,
			nil,
			nil,
			view.Timestamp,
		}
		// 无坐标时留空
		if view.Latitude != nil {
			row[5] = *view.Latitude
			row[6] = *view.Longitude
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(reportSheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(reportSheetName, "A", "B", 18); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(reportSheetName, "H", "H", 22); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	return buf.Bytes(), nil
}
