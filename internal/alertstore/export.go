package alertstore

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"callwatch/internal/models"
	"callwatch/internal/render"
)

// CSVHeader is the fixed export header.
var CSVHeader = []string{"ID", "规则名称", "严重度", "触发时间", "窗口开始", "窗口结束", "次数", "关联通话"}

// ExportOptions tunes the CSV output.
type ExportOptions struct {
	// Quoted applies RFC 4180 quoting. Without it fields are joined with
	// bare commas and a rule name containing a comma shifts its row.
	Quoted bool
}

// Export writes the alerts matching f as CSV, newest first. The header is
// written even when nothing matches.
func (s *Store) Export(w io.Writer, f Filter) error {
	return s.ExportWith(w, f, ExportOptions{})
}

// ExportWith is Export with options.
func (s *Store) ExportWith(w io.Writer, f Filter, opts ExportOptions) error {
	alerts := s.List(f)

	if opts.Quoted {
		cw := csv.NewWriter(w)
		if err := cw.Write(CSVHeader); err != nil {
			return err
		}
		for i := range alerts {
			if err := cw.Write(row(&alerts[i])); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(CSVHeader, ",") + "\n"); err != nil {
		return err
	}
	for i := range alerts {
		if _, err := bw.WriteString(strings.Join(row(&alerts[i]), ",") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func row(a *models.Alert) []string {
	return []string{
		a.ID,
		a.RuleName,
		string(a.Severity),
		render.FormatTime(a.FiredAt),
		render.FormatTime(a.WindowStart),
		render.FormatTime(a.WindowEnd),
		strconv.Itoa(a.Count),
		strings.Join(a.EventIDs, ";"),
	}
}
