package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Finding is one categorized risk in a result
type Finding struct {
	Category    string `json:"category"`     // e.g. Logistics, Labor, Geopolitical
	Impact      int    `json:"impact_score"` // 1-10
	Description string `json:"description"`
}

// Source is a reference the research stage drew from
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Result is the output of one successful pipeline run. Rows are append-only.
type Result struct {
	ID        string                       `gorm:"primaryKey" json:"id"`
	Subject   string                       `gorm:"not null;index:idx_results_subject_created" json:"subject"`
	Severity  int                          `gorm:"not null" json:"severity"` // 1-10
	Summary   string                       `gorm:"type:text" json:"summary"`
	Alerts    datatypes.JSONSlice[string]  `json:"alerts"`
	Findings  datatypes.JSONSlice[Finding] `json:"findings"`
	Sources   datatypes.JSONSlice[Source]  `json:"sources"`
	CreatedAt time.Time                    `gorm:"index:idx_results_subject_created" json:"created_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (r *Result) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (Result) TableName() string {
	return "results"
}
