package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tealeg/xlsx"

	"kasirpoin/backend/internal/domain"
)

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.DailyReport(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		fail(w, r, err)
		return
	}

	filename := "daily-report-" + report.Date
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "csv":
		var buf bytes.Buffer
		if err := writeDailyReportCSV(&buf, report); err != nil {
			fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".csv"))
		_, _ = w.Write(buf.Bytes())
	case "xlsx":
		var buf bytes.Buffer
		if err := writeDailyReportXLSX(&buf, report); err != nil {
			fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".xlsx"))
		_, _ = w.Write(buf.Bytes())
	case "html":
		var buf bytes.Buffer
		if err := dailyReportHTMLTmpl.Execute(&buf, report); err != nil {
			fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// dailyReportRows flattens a report into section/key/value rows shared by
// the CSV and spreadsheet exports.
func dailyReportRows(report domain.DailyReport) [][]string {
	itoa := func(v int64) string { return strconv.FormatInt(v, 10) }
	rows := [][]string{
		{"section", "key", "value"},
		{"summary", "date", report.Date},
		{"summary", "bills", strconv.Itoa(report.Bills)},
		{"summary", "items_sold", strconv.Itoa(report.ItemsSold)},
		{"summary", "gross_sales", itoa(report.GrossSales)},
		{"summary", "tax", itoa(report.Tax)},
		{"summary", "discount", itoa(report.Discount)},
		{"summary", "net_sales", itoa(report.NetSales)},
		{"summary", "points_used", strconv.Itoa(report.PointsUsed)},
		{"summary", "points_earned", strconv.Itoa(report.PointsEarned)},
		{"estimate", "cost", itoa(report.EstimatedCost)},
		{"estimate", "margin", itoa(report.EstimatedMargin)},
	}
	for _, p := range report.ByPayment {
		rows = append(rows,
			[]string{"payment", p.PaymentMethod + "_bills", strconv.Itoa(p.Bills)},
			[]string{"payment", p.PaymentMethod + "_total", itoa(p.Total)},
		)
	}
	return rows
}

func writeDailyReportCSV(w io.Writer, report domain.DailyReport) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(dailyReportRows(report)); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeDailyReportXLSX(w io.Writer, report domain.DailyReport) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Daily " + report.Date)
	if err != nil {
		return fmt.Errorf("add sheet: %w", err)
	}
	for _, values := range dailyReportRows(report) {
		row := sheet.AddRow()
		for i, v := range values {
			cell := row.AddCell()
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && i == 2 {
				cell.SetInt64(n)
				continue
			}
			cell.SetValue(v)
		}
	}
	return file.Write(w)
}

// html/template escapes every field, including payment method names.
var dailyReportHTMLTmpl = template.Must(template.New("daily-report").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Daily Report {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    .estimate { color: #777; }
  </style>
</head>
<body>
  <h2>Daily Report {{.Date}}</h2>
  <p>Bills: {{.Bills}} | Items sold: {{.ItemsSold}}</p>
  <p>Gross: {{.GrossSales}} | Tax: {{.Tax}} | Discount: {{.Discount}} | Net: {{.NetSales}}</p>
  <p>Points used: {{.PointsUsed}} | Points earned: {{.PointsEarned}}</p>
  <p class="estimate">Estimated cost: {{.EstimatedCost}} | Estimated margin: {{.EstimatedMargin}} (estimate, not ledger data)</p>

  <h3>By Payment</h3>
  <table>
    <thead><tr><th>Payment</th><th>Bills</th><th>Total</th></tr></thead>
    <tbody>{{range .ByPayment}}<tr><td>{{.PaymentMethod}}</td><td style="text-align:right;">{{.Bills}}</td><td style="text-align:right;">{{.Total}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))
