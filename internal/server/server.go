package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Run reports use pipe tables.
var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// RunStore is the read side of the run ledger.
type RunStore interface {
	ListRuns(limit int) ([]database.Run, error)
	GetRun(id string) (*database.Run, error)
	GetSourceRuns(runID string) ([]database.SourceRun, error)
	LatestSourceRuns() ([]database.SourceRun, error)
}

// CheckpointLister lists the checkpoints on disk.
type CheckpointLister interface {
	List() ([]*checkpoint.SourceCheckpoint, error)
}

// Server is the read-only status dashboard.
type Server struct {
	runs        RunStore
	checkpoints CheckpointLister
	logger      *slog.Logger
	pages       map[string]*template.Template
	mux         *http.ServeMux
}

// sourceRow joins a checkpoint with the latest ledger entry for its source.
type sourceRow struct {
	Checkpoint checkpoint.Summary
	Latest     *database.SourceRun
}

// New creates a new Server.
func New(runs RunStore, checkpoints CheckpointLister, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"percent": func(done, total int) string {
			if total <= 0 {
				return "-"
			}
			return fmt.Sprintf("%.0f%%", 100*float64(done)/float64(total))
		},
		"ts": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02 15:04:05")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so its "content" and "title" blocks don't collide.
	pageNames := []string{"index.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{runs: runs, checkpoints: checkpoints, logger: logger, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /runs/{id}", s.handleRun)
	s.mux.HandleFunc("GET /api/checkpoints", s.handleCheckpoints)
}

func (s *Server) sources() ([]sourceRow, error) {
	cps, err := s.checkpoints.List()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	latest, err := s.runs.LatestSourceRuns()
	if err != nil {
		return nil, fmt.Errorf("loading latest source runs: %w", err)
	}
	bySource := make(map[string]*database.SourceRun, len(latest))
	for i := range latest {
		bySource[latest[i].SourceID] = &latest[i]
	}

	rows := make([]sourceRow, 0, len(cps))
	for _, cp := range cps {
		rows = append(rows, sourceRow{Checkpoint: cp.Summary(), Latest: bySource[cp.SourceID]})
	}
	return rows, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sources()
	if err != nil {
		s.serverError(w, err)
		return
	}
	runs, err := s.runs.ListRuns(20)
	if err != nil {
		s.serverError(w, err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Sources": rows,
		"Runs":    runs,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	run, err := s.runs.GetRun(id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	sourceRuns, err := s.runs.GetSourceRuns(id)
	if err != nil {
		s.serverError(w, err)
		return
	}

	s.render(w, "run.html", map[string]any{
		"Run":        run,
		"SourceRuns": sourceRuns,
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.checkpoints.List()
	if err != nil {
		s.serverError(w, err)
		return
	}
	summaries := make([]checkpoint.Summary, 0, len(cps))
	for _, cp := range cps {
		summaries = append(summaries, cp.Summary())
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summaries); err != nil {
		s.logger.Error("encoding checkpoints", "error", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("dashboard request failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.serverError(w, fmt.Errorf("rendering %s: %w", name, err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the dashboard on 127.0.0.1:port until ctx is cancelled.
func Serve(ctx context.Context, runs RunStore, checkpoints CheckpointLister, port int, logger *slog.Logger) error {
	srv, err := New(runs, checkpoints, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("dashboard listening", "url", "http://"+httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down dashboard: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
