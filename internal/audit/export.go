package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// csvHeader is the fixed column order of CSV exports.
var csvHeader = []string{
	"id", "timestamp", "usuario", "acao", "recurso",
	"resultado", "duracao", "ip", "userAgent", "sessaoId", "detalhes",
}

// ExportLogs serializes the entries matching filter as JSON or CSV.
// CSV quotes every field; nested detalhes are JSON-encoded into one column.
func (s *Service) ExportLogs(filter Filter, format string) (string, error) {
	entries := s.SearchLogs(filter)

	switch format {
	case FormatJSON:
		raw, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("audit: export json: %w", err)
		}
		return string(raw), nil

	case FormatCSV:
		var b strings.Builder
		writeCSVRow(&b, csvHeader)
		for _, e := range entries {
			details := ""
			if e.Details != nil {
				raw, err := json.Marshal(e.Details)
				if err != nil {
					return "", fmt.Errorf("audit: export csv details: %w", err)
				}
				details = string(raw)
			}
			writeCSVRow(&b, []string{
				e.ID,
				e.Timestamp.Format(time.RFC3339),
				e.User,
				e.Action,
				e.Resource,
				e.Result,
				strconv.FormatInt(e.DurationMS, 10),
				e.IP,
				e.UserAgent,
				e.SessionID,
				details,
			})
		}
		return b.String(), nil

	default:
		return "", fmt.Errorf("audit: unsupported export format: %s (must be json or csv)", format)
	}
}

// writeCSVRow writes one row with every field quoted, doubling embedded quotes.
func writeCSVRow(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}
