package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"StockForecast/internal/pipeline"
)

// FormatRunReport formats a pipeline report into a Telegram message.
func FormatRunReport(rep *pipeline.Report) string {
	var b strings.Builder

	icon := "✅"
	if rep.Status != pipeline.Succeeded {
		icon = "❌"
	}
	b.WriteString(fmt.Sprintf("%s <b>StockForecast run</b> | %s\n", icon, rep.Started.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Run: <code>%s</code>\n", rep.RunID))
	b.WriteString(fmt.Sprintf("Status: %s (%s)\n\n", rep.Status, rep.Finished.Sub(rep.Started).Round(time.Second)))

	for _, s := range rep.Symbols {
		if s.Err != nil {
			b.WriteString(fmt.Sprintf("  %s: failed at %s\n    %s\n", s.Symbol, s.Stage, html.EscapeString(s.Err.Error())))
			continue
		}
		b.WriteString(fmt.Sprintf("  %s: %d bars, %d forecast rows\n", s.Symbol, s.Bars, s.Forecasts))
	}

	b.WriteString(fmt.Sprintf("\nDownstream: %s", rep.Downstream))
	if rep.Downstream == pipeline.DownstreamFailed && rep.Err != nil {
		b.WriteString(fmt.Sprintf("\n%s", html.EscapeString(rep.Err.Error())))
	}
	return b.String()
}
