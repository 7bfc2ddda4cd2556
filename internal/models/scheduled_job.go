package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScheduledJob represents a recurring scheduled research pass
type ScheduledJob struct {
	ID          string                      `gorm:"primaryKey" json:"id"`
	Name        string                      `gorm:"unique;not null" json:"name"`
	Cron        string                      `gorm:"not null" json:"cron"` // 6-field cron expression
	Timezone    string                      `gorm:"default:UTC" json:"timezone"`
	Subjects    datatypes.JSONSlice[string] `json:"subjects"` // empty means the configured default list
	ForceUpdate bool                        `gorm:"column:force_update" json:"force_update"`
	Enabled     bool                        `json:"enabled"`
	LastRunAt   *time.Time                  `gorm:"column:last_run_at" json:"last_run_at"`
	NextRunAt   *time.Time                  `gorm:"column:next_run_at" json:"next_run_at"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sj *ScheduledJob) BeforeCreate(tx *gorm.DB) error {
	if sj.ID == "" {
		sj.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
