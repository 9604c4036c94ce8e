package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/database"
)

type fixture struct {
	db    *database.DB
	store *checkpoint.Store
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })

	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints"), 0, nil)
	srv, err := New(db, store, nil)
	require.NoError(t, err, "failed to create server")
	return &fixture{db: db, store: store, srv: srv}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) saveCheckpoint(t *testing.T, id string, processed ...string) {
	t.Helper()
	cp := checkpoint.New(id, 0)
	for _, k := range processed {
		cp.MarkProcessed(k)
	}
	cp.SetTotal(10)
	cp.AdvanceOffset(len(processed))
	require.NoError(t, f.store.Save(cp))
}

func ptr(s string) *string { return &s }

func TestIndexRouteEmpty(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No checkpoints yet")
}

func TestIndexShowsSourcesAndRuns(t *testing.T) {
	f := newFixture(t)
	f.saveCheckpoint(t, "KAFKA", "KAFKA-1", "KAFKA-2")
	require.NoError(t, f.db.StartRun(database.Run{ID: "run-1", StartedAt: "2026-03-01T10:00:00Z", Sources: []string{"KAFKA"}}))
	require.NoError(t, f.db.RecordSourceRun(database.SourceRun{RunID: "run-1", SourceID: "KAFKA", Status: "interrupted", FinishedAt: "2026-03-01T10:01:00Z"}))

	rec := f.get(t, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{"KAFKA", "20%", `href="/runs/run-1"`, "interrupted"} {
		assert.Contains(t, body, want)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/nope").Code)
}

func TestRunRoute(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.StartRun(database.Run{ID: "run-1", StartedAt: "2026-03-01T10:00:00Z", Sources: []string{"KAFKA"}}))
	require.NoError(t, f.db.RecordSourceRun(database.SourceRun{
		RunID: "run-1", SourceID: "KAFKA", Status: "failed", NewRecords: 7,
		Error: ptr("retries exhausted"), FinishedAt: "2026-03-01T10:01:00Z",
	}))
	require.NoError(t, f.db.FinishRun(database.Run{
		ID:             "run-1",
		FinishedAt:     ptr("2026-03-01T10:02:00Z"),
		Status:         database.RunFailed,
		NewRecords:     7,
		ReportMarkdown: "# Ingestion run run-1\n\n| Source | Status |\n|---|---|\n| KAFKA | failed |\n",
	}))

	rec := f.get(t, "/runs/run-1")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Ingestion run run-1</h1>", "rendered markdown heading")
	assert.Contains(t, body, "<table>", "rendered markdown table")
	assert.Contains(t, body, "retries exhausted")
}

func TestRunRouteMissing(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/runs/ghost").Code)
}

func TestCheckpointsAPI(t *testing.T) {
	f := newFixture(t)
	f.saveCheckpoint(t, "SPARK", "SPARK-1")
	f.saveCheckpoint(t, "KAFKA", "KAFKA-1", "KAFKA-2", "KAFKA-3")

	rec := f.get(t, "/api/checkpoints")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []checkpoint.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "KAFKA", got[0].SourceID)
	assert.Equal(t, 3, got[0].ProcessedCount)
	assert.Equal(t, 3, got[0].NextOffset)
}

func TestCheckpointsAPIEmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/checkpoints")
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestStaticRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/static/style.css")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "font-sans")
}
