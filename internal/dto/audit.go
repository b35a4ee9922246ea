package dto

import (
	"time"

	"github.com/campuskit/approval-api/internal/models"
)

// AuditQuery mirrors supported audit listing filters.
type AuditQuery struct {
	ApprovalRequestID string
	ActorID           string
	Action            models.AuditAction
	From              *time.Time
	To                *time.Time
	Limit             int
	Offset            int
}

// ExportFormat enumerates supported audit export renderings.
type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportPDF ExportFormat = "pdf"
)

// ExportQuery selects the window and format for an audit export.
type ExportQuery struct {
	AuditQuery
	Format ExportFormat
}

// ExportResult carries a rendered export document.
type ExportResult struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
	Entries     int    `json:"entries"`
}
