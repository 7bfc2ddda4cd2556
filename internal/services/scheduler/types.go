package scheduler

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Cron        string   `json:"cron"`
	Timezone    string   `json:"timezone"`
	Subjects    []string `json:"subjects"`
	ForceUpdate bool     `json:"force_update"`
	Enabled     bool     `json:"enabled"`
	LastRunAt   *string  `json:"last_run_at"` // ISO 8601 format
	NextRun     *string  `json:"next_run"`    // ISO 8601 format
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// UpsertJobRequest represents a request to create or update a scheduled job
type UpsertJobRequest struct {
	Name        string   `json:"name"`
	Cron        string   `json:"cron"` // 5 or 6 fields
	Timezone    string   `json:"timezone"`
	Subjects    []string `json:"subjects"` // empty means the configured defaults
	ForceUpdate bool     `json:"force_update"`
	Enabled     bool     `json:"enabled"`
}

// PassResult summarizes one scheduled pass
type PassResult struct {
	Enqueued        []string `json:"enqueued"`
	SubjectsChecked []string `json:"subjects_checked"`
	Skipped         []string `json:"skipped"`
}
