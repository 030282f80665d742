package main

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/hemant/relayq"
)

//go:embed templates/*
var templatesFS embed.FS

// Handler handles HTTP requests for the UI.
type Handler struct {
	inspector *relayq.Inspector
	templates map[string]*template.Template
}

// NewHandler creates a new Handler.
func NewHandler(inspector *relayq.Inspector) (*Handler, error) {
	funcMap := template.FuncMap{
		"add": func(a, b int64) int64 { return a + b },
	}

	pages := []string{"dashboard.html", "queues.html", "jobs.html"}
	templates := make(map[string]*template.Template)

	for _, page := range pages {
		tmpl := template.New("base.html").Funcs(funcMap)
		// Parse base.html + the specific page
		if _, err := tmpl.ParseFS(templatesFS, "templates/base.html", "templates/"+page); err != nil {
			return nil, err
		}
		templates[page] = tmpl
	}

	return &Handler{
		inspector: inspector,
		templates: templates,
	}, nil
}

// RegisterRoutes registers HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleDashboard)
	mux.HandleFunc("/queues", h.handleQueues)
	mux.HandleFunc("/queues/", h.handleQueueJobs)
	mux.HandleFunc("/api/stats", h.handleAPIStats)
}

// dashboardStats aggregates stats across all queues.
type dashboardStats struct {
	TotalQueues     int
	TotalPending    int64
	TotalProcessing int64
	TotalDelayed    int64
	TotalCompleted  int64
	TotalFailed     int64
	ProcessedTotal  int64
	FailedTotal     int64
}

func (h *Handler) queueStats(r *http.Request) ([]*relayq.QueueStats, dashboardStats, error) {
	ctx := r.Context()
	qnames, err := h.inspector.Queues(ctx)
	if err != nil {
		return nil, dashboardStats{}, err
	}
	var queues []*relayq.QueueStats
	var agg dashboardStats
	for _, qname := range qnames {
		stats, err := h.inspector.GetQueueStats(ctx, qname)
		if err != nil {
			continue
		}
		queues = append(queues, stats)
		agg.TotalPending += stats.Pending
		agg.TotalProcessing += stats.Processing
		agg.TotalDelayed += stats.Delayed
		agg.TotalCompleted += stats.Completed
		agg.TotalFailed += stats.Failed
		agg.ProcessedTotal += stats.ProcessedTotal
		agg.FailedTotal += stats.FailedTotal
	}
	agg.TotalQueues = len(queues)
	return queues, agg, nil
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	queues, stats, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Stats":  stats,
		"Queues": queues,
		"Page":   "dashboard",
	}

	h.render(w, "dashboard.html", data)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, _, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Queues": queues,
		"Page":   "queues",
	}

	h.render(w, "queues.html", data)
}

var jobStates = map[string]relayq.JobState{
	"pending":    relayq.JobStatePending,
	"processing": relayq.JobStateProcessing,
	"retrying":   relayq.JobStateRetrying,
	"completed":  relayq.JobStateCompleted,
	"failed":     relayq.JobStateFailed,
}

func (h *Handler) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	// Extract queue name from path: /queues/{name}
	path := strings.TrimPrefix(r.URL.Path, "/queues/")
	parts := strings.Split(path, "/")
	qname := parts[0]

	if qname == "" {
		http.Redirect(w, r, "/queues", http.StatusFound)
		return
	}

	stateName := r.URL.Query().Get("state")
	if stateName == "" {
		stateName = "pending"
	}
	state, ok := jobStates[stateName]
	if !ok {
		http.Error(w, "unknown state: "+stateName, http.StatusBadRequest)
		return
	}

	jobs, err := h.inspector.ListJobs(r.Context(), qname, state, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	queueInfo, _ := h.inspector.GetQueueStats(r.Context(), qname)

	data := map[string]interface{}{
		"Queue": queueInfo,
		"Jobs":  jobs,
		"State": stateName,
		"Page":  "jobs",
	}

	h.render(w, "jobs.html", data)
}

func (h *Handler) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	_, stats, err := h.queueStats(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_queues":     stats.TotalQueues,
		"total_pending":    stats.TotalPending,
		"total_processing": stats.TotalProcessing,
		"total_delayed":    stats.TotalDelayed,
		"total_completed":  stats.TotalCompleted,
		"total_failed":     stats.TotalFailed,
		"processed_total":  stats.ProcessedTotal,
		"failed_total":     stats.FailedTotal,
	})
}

func (h *Handler) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmpl, ok := h.templates[name]
	if !ok {
		http.Error(w, "Template not found: "+name, http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
