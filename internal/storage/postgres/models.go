package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in JSONB columns (TEXT on SQLite).
type JSONB json.RawMessage

// OperationModel maps to the "operations" table. One row per recorded
// history entry; rollback marks the row instead of deleting it.
type OperationModel struct {
	ID               string     `gorm:"primaryKey"`
	Text             string     `gorm:"type:text;not null"`
	Source           string     `gorm:"not null;index"`
	Outcome          string     `gorm:"not null;index"`
	Success          bool       `gorm:"not null;default:false"`
	Output           string     `gorm:"type:text"`
	ToolsUsed        JSONB      `gorm:"type:jsonb;not null;default:'[]'"`
	Steps            JSONB      `gorm:"type:jsonb;not null;default:'[]'"`
	RollbackCommands JSONB      `gorm:"type:jsonb;not null;default:'[]'"`
	DurationMS       int64      `gorm:"not null;default:0"`
	SubmittedAt      time.Time  `gorm:"not null"`
	CompletedAt      time.Time  `gorm:"not null"`
	RecordedAt       time.Time  `gorm:"not null;index"`
	RolledBackAt     *time.Time `gorm:"index"`
}

func (OperationModel) TableName() string { return "operations" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	RequestID     string    `gorm:"index"`
	Source        string
	Tool          string `gorm:"not null"`
	Parameters    JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	RiskLevel     string `gorm:"not null"`
	Reasons       JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	Decision      string `gorm:"not null"`
	Advisory      bool   `gorm:"not null;default:false"`
	Result        string `gorm:"not null"`
	ApprovedBy    string
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order. The SQLite backend
// migrates the same set.
func Models() []any {
	return []any{
		&OperationModel{},
		&AuditEventModel{},
	}
}
