package model

import "time"

// RunRecord is one completed run kept in the journal.
type RunRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Client      string    `gorm:"index;size:32" json:"client"`
	ResultsType string    `gorm:"size:16" json:"resultsType"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `gorm:"index" json:"finishedAt"`
	Final       int       `json:"final"` // 1 when any diagnostic failed
	Executed    int       `json:"executed"`
	Payload     string    `gorm:"type:text" json:"payload"` // serialised results document
	CreatedAt   time.Time `json:"createdAt"`
}
