package models

import "time"

// Prompt status values. Transitions are monotonic:
// queued -> running -> finished.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Prompt result values. Result is set exactly when status is finished.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Prompt is one user turn plus its generated response, the unit of work
// drained by the worker. OutputText is append-only while the prompt is
// running and immutable once finished. History is the serialized
// conversation snapshot written once on successful completion; the next
// prompt in the same chat consumes it as prior context.
type Prompt struct {
	ID         uint    `gorm:"primaryKey;autoIncrement"`
	ChatID     uint    `gorm:"not null;index"`
	Status     string  `gorm:"size:10;default:queued;index"`
	Result     *string `gorm:"size:10"`
	InputText  string  `gorm:"type:text;not null"`
	OutputText string  `gorm:"type:longtext"`
	History    string  `gorm:"type:longtext"` // opaque JSON message history
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Chat Chat `gorm:"foreignKey:ChatID"`
}

// Finished reports whether the prompt has reached its terminal status.
func (p *Prompt) Finished() bool {
	return p.Status == StatusFinished
}
