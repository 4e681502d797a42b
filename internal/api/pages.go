package api

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"

	"cvcounter/internal/counter"

	"github.com/go-chi/chi/v5"
)

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.}}</title></head><body>{{end}}
{{define "foot"}}</body></html>{{end}}

{{define "dashboard"}}{{template "head" "Counters"}}
<h1>Counters</h1>
<ul>
{{range .Locations}}<li>
  <a href="/counter/{{.Name}}">{{.Label}}</a> [{{.Status}}]
  &middot; <a href="/reports/{{.Name}}">reports</a>
</li>{{end}}
</ul>
{{template "foot"}}{{end}}

{{define "counter"}}{{template "head" .Label}}
<h1>{{.Label}}</h1>
<img src="/counter_get_frames/{{.Name}}" alt="{{.Label}}">
<div id="counts" data-location="{{.Name}}"></div>
{{template "foot"}}{{end}}

{{define "counter_text"}}{{template "head" .Label}}
<h1>{{.Label}}</h1>
<div id="counts" data-location="{{.Name}}" class="text-mode"></div>
{{template "foot"}}{{end}}

{{define "counter_dual"}}{{template "head" "Dual counter"}}
{{range .}}<div class="pane">
  <h2>{{.Label}}</h2>
  <img src="/counter_get_frames/{{.Name}}" alt="{{.Label}}">
  <div id="counts-{{.Name}}" data-location="{{.Name}}"></div>
</div>{{end}}
{{template "foot"}}{{end}}

{{define "reports"}}{{template "head" "Reports"}}
<h1>Reports</h1>
<ul>{{range .}}<li><a href="/reports/{{.}}">{{.}}</a></li>{{end}}</ul>
{{template "foot"}}{{end}}

{{define "reports_location"}}{{template "head" .Location}}
<h1>Reports: {{.Location}}</h1>
<table>
<tr><th>ID</th><th>Total</th><th>Defects</th><th>Correct</th><th>Created</th><th></th></tr>
{{range .Page.Results}}<tr>
  <td>{{.ID}}</td><td>{{.TotalCount}}</td><td>{{.DefectsCount}}</td><td>{{.CorrectCount}}</td>
  <td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td>
  <td><a href="/reports/{{.Location}}/{{.ID}}">detail</a></td>
</tr>{{end}}
</table>
<p>
{{if .Page.HasPrev}}<a href="/reports/{{.Location}}?page={{.PrevPage}}">&laquo; prev</a>{{end}}
page {{.Page.Page}} of {{.Page.TotalPages}}
{{if .Page.HasNext}}<a href="/reports/{{.Location}}?page={{.NextPage}}">next &raquo;</a>{{end}}
</p>
{{template "foot"}}{{end}}

{{define "report_detail"}}{{template "head" "Session"}}
<h1>Session {{.ID}} ({{.Location}})</h1>
<ul>
<li>Total: {{.TotalCount}}</li>
<li>Source: {{.SourceCount}}</li>
<li>Defects: {{.DefectsCount}}</li>
<li>Correct: {{.CorrectCount}}</li>
<li>Active: {{.Active}}</li>
</ul>
{{if .Parts}}<h2>Parts</h2>
<table>
<tr><th>Current</th><th>Total</th><th>Defects</th><th>Correct</th><th>Created</th></tr>
{{range .Parts}}<tr>
  <td>{{.Current}}</td><td>{{.Total}}</td><td>{{.Defects}}</td><td>{{.Correct}}</td>
  <td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
</tr>{{end}}
</table>{{end}}
{{if .CustomFields}}<h2>Fields</h2>
<ul>{{range $k, $v := .CustomFields}}<li>{{$k}}: {{$v}}</li>{{end}}</ul>{{end}}
{{template "foot"}}{{end}}
`))

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render failed")
	}
}

type dashboardEntry struct {
	Name   string
	Label  string
	Status counter.Status
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	names := s.settings.Locations()
	sort.Strings(names)

	entries := make([]dashboardEntry, 0, len(names))
	for _, name := range names {
		entry := dashboardEntry{Name: name, Label: name, Status: counter.StatusStopped}
		if loc, err := s.settings.Location(name); err == nil {
			entry.Label = loc.Label
		}
		if e := s.registry.Get(name); e != nil {
			entry.Status = e.Status()
		}
		entries = append(entries, entry)
	}
	s.render(w, "dashboard", map[string]any{"Locations": entries})
}

func (s *Server) handleCounterPage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	loc := e.Location()
	s.render(w, "counter", map[string]string{"Name": loc.Name, "Label": loc.Label})
}

func (s *Server) handleCounterTextPage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	loc := e.Location()
	s.render(w, "counter_text", map[string]string{"Name": loc.Name, "Label": loc.Label})
}

func (s *Server) handleCounterDualPage(w http.ResponseWriter, r *http.Request) {
	var panes []map[string]string
	for _, param := range []string{"location_a", "location_b"} {
		name, ok := s.location(w, r, param)
		if !ok {
			return
		}
		e, err := s.engineFor(name)
		if err != nil {
			s.logger.Error().Err(err).Str("location", name).Msg("engine setup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start counter"})
			return
		}
		loc := e.Location()
		panes = append(panes, map[string]string{"Name": loc.Name, "Label": loc.Label})
	}
	s.render(w, "counter_dual", panes)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	names := s.settings.Locations()
	sort.Strings(names)
	s.render(w, "reports", names)
}

func (s *Server) handleReportsLocation(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.location(w, r, "location")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage := s.settings.GetInt("general.reports_per_page", 10)
	result, err := s.store.GetPaginated(loc, page, perPage)
	if err != nil {
		s.logger.Error().Err(err).Str("location", loc).Msg("report listing failed")
		http.Error(w, "report listing failed", http.StatusInternalServerError)
		return
	}

	s.render(w, "reports_location", map[string]any{
		"Location": loc,
		"Page":     result,
		"PrevPage": result.Page - 1,
		"NextPage": result.Page + 1,
	})
}

func (s *Server) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.location(w, r, "location")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, err := s.store.GetCount(id)
	if err != nil {
		s.logger.Error().Err(err).Int64("id", id).Msg("report fetch failed")
		http.Error(w, "report fetch failed", http.StatusInternalServerError)
		return
	}
	if sess == nil || sess.Location != loc {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.render(w, "report_detail", sess)
}
