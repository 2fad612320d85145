package volumetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// ExclusionParquet is the archived form of an exclusion log entry.
type ExclusionParquet struct {
	ID         string  `parquet:"id"`
	RecordID   string  `parquet:"record_id"`
	RuleID     string  `parquet:"rule_id,dict"`
	Reason     string  `parquet:"reason,dict"`
	ExcludedAt int64   `parquet:"excluded_at,timestamp(millisecond)"`
	BatchID    string  `parquet:"batch_id,dict"`
	Period     string  `parquet:"period,dict"`
	Origin     string  `parquet:"origin,dict"`
	ClientID   string  `parquet:"client_id,dict"`
	ExamName   string  `parquet:"exam_name,dict"`
	ExamDate   string  `parquet:"exam_date,optional"`
	ReportDate string  `parquet:"report_date,optional"`
	Value      float64 `parquet:"value"`
	Snapshot   string  `parquet:"snapshot"`
}

func toParquet(e *ExclusionLogEntry) (ExclusionParquet, error) {
	row := ExclusionParquet{
		ID:         e.ID.String(),
		RecordID:   e.RecordID.String(),
		RuleID:     e.RuleID,
		Reason:     e.Reason,
		ExcludedAt: e.ExcludedAt.UnixMilli(),
		BatchID:    e.BatchID.String(),
		Period:     string(e.Period),
		Origin:     string(e.Origin),
	}
	if s := e.Snapshot; s != nil {
		row.ClientID = s.ClientID
		row.ExamName = s.ExamName
		row.Value = s.Value
		if s.ExamDate != nil {
			row.ExamDate = s.ExamDate.Format(DateLayout)
		}
		if s.ReportDate != nil {
			row.ReportDate = s.ReportDate.Format(DateLayout)
		}
	}
	snap, err := json.Marshal(e.Snapshot)
	if err != nil {
		return row, fmt.Errorf("marshal snapshot %s: %w", e.ID, err)
	}
	row.Snapshot = string(snap)
	return row, nil
}

const exportPageSize = 1000

// ExportExclusions writes every log entry matching f to w as a zstd
// compressed Parquet file and returns the number of rows written.
func ExportExclusions(ctx context.Context, s Store, f ExclusionFilter, w io.Writer) (int, error) {
	writer := parquet.NewGenericWriter[ExclusionParquet](w,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.CreatedBy("volumetry", "1.0", ""),
	)

	written := 0
	for offset := 0; ; offset += exportPageSize {
		page, total, err := s.ListExclusions(ctx, f, exportPageSize, offset)
		if err != nil {
			return written, err
		}
		rows := make([]ExclusionParquet, 0, len(page))
		for _, e := range page {
			row, err := toParquet(e)
			if err != nil {
				return written, err
			}
			rows = append(rows, row)
		}
		if len(rows) > 0 {
			n, err := writer.Write(rows)
			written += n
			if err != nil {
				return written, fmt.Errorf("write parquet rows: %w", err)
			}
		}
		if offset+len(page) >= total || len(page) == 0 {
			break
		}
	}

	if err := writer.Close(); err != nil {
		return written, fmt.Errorf("close parquet writer: %w", err)
	}
	return written, nil
}
