// Package gateway – dashboard.go renders a minimal job status page and
// its JSON API.
package gateway

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"

	"github.com/remindlab/remindly/pkg/remindly/scheduler"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Remindly</title>
<style>
body { font-family: sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
th { background: #f4f4f4; }
.status-pending { color: #b8860b; }
.status-completed { color: #228b22; }
.status-failed { color: #b22222; }
.status-deleted { color: #888; }
</style>
</head>
<body>
<h1>Scheduled jobs</h1>
<form method="get">
<label>Sender:
<select name="sender" onchange="this.form.submit()">
<option value="">choose...</option>
{{range .Senders}}<option value="{{.}}" {{if eq . $.Selected}}selected{{end}}>{{.}}</option>
{{end}}</select>
</label>
</form>
{{if .Selected}}
<table>
<tr><th>Job ID</th><th>Task</th><th>Channel</th><th>Due</th><th>Status</th></tr>
{{range .Jobs}}<tr>
<td>{{.JobID}}</td>
<td>{{.Task}}</td>
<td>{{.Channel}}</td>
<td>{{.DueAt.Format "2006-01-02 15:04"}}</td>
<td class="status-{{.Status}}">{{.Status}}</td>
</tr>
{{end}}</table>
{{end}}
</body>
</html>`))

type dashboardData struct {
	Senders  []string
	Selected string
	Jobs     []scheduler.Record
}

func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	senders, err := g.jobs.Senders()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := dashboardData{Senders: senders, Selected: r.URL.Query().Get("sender")}
	if data.Selected != "" {
		jobs, err := g.jobs.ListAll(data.Selected)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Jobs = sortedRecords(jobs)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		g.logger.Error("dashboard render failed", "error", err)
	}
}

// sortedRecords orders a job map by numeric job ID for stable display.
func sortedRecords(jobs map[string]scheduler.Record) []scheduler.Record {
	out := make([]scheduler.Record, 0, len(jobs))
	for _, rec := range jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].JobID, 10, 64)
		b, _ := strconv.ParseInt(out[j].JobID, 10, 64)
		return a < b
	})
	return out
}

func (g *Gateway) handleSenders(w http.ResponseWriter, _ *http.Request) {
	senders, err := g.jobs.Senders()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"senders": senders})
}

func (g *Gateway) handleJobs(w http.ResponseWriter, r *http.Request) {
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender is required"})
		return
	}
	jobs, err := g.jobs.ListAll(sender)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sender": sender, "jobs": jobs})
}
