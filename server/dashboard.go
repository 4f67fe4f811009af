package server

import (
	"embed"
	"html/template"
	"io"
	"time"

	"github.com/wolfeidau/version-gateway/ping"
)

//go:embed templates/dashboard.html.tmpl
var templateFS embed.FS

var dashboardTmpl = template.Must(template.New("dashboard.html.tmpl").Funcs(template.FuncMap{
	"day": func(t time.Time) string { return t.UTC().Format("2006-01-02") },
}).ParseFS(templateFS, "templates/dashboard.html.tmpl"))

type dashboardPage struct {
	Histograms map[string]*ping.Histogram
	Source     string
	Epoch      time.Time
}

// Packages returns the histograms in render order.
func (p dashboardPage) Packages() []*ping.Histogram {
	return ping.Sorted(p.Histograms)
}

func renderDashboard(w io.Writer, page dashboardPage) error {
	return dashboardTmpl.Execute(w, page)
}
