package database

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// Run is one invocation of the ingestion pipeline.
type Run struct {
	ID             string
	StartedAt      string
	FinishedAt     *string
	Status         string
	Sources        []string
	NewRecords     int
	ReportMarkdown string
}

// SourceRun is the outcome of one source within a run.
type SourceRun struct {
	ID             int64
	RunID          string
	SourceID       string
	Status         string
	NewRecords     int
	Duplicates     int
	Invalid        int
	Recovered      int
	Pages          int
	NextOffset     int
	TotalRecords   int
	Requests       int64
	FailedRequests int64
	Retries        int64
	RateLimitHits  int64
	Error          *string
	DurationMS     int64
	FinishedAt     string
}
