package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/security"
)

func marshalJSONB(v any, empty string) JSONB {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return JSONB(empty)
	}
	return JSONB(data)
}

func toOperationModel(e history.Entry) OperationModel {
	return OperationModel{
		ID:               e.Request.ID,
		Text:             e.Request.Text,
		Source:           string(e.Request.Source),
		Outcome:          string(e.Result.Outcome),
		Success:          e.Result.Success,
		Output:           e.Result.Output,
		ToolsUsed:        marshalJSONB(e.Result.ToolsUsed, "[]"),
		Steps:            marshalJSONB(e.Result.Steps, "[]"),
		RollbackCommands: marshalJSONB(e.RollbackCommands, "[]"),
		DurationMS:       e.Result.Duration.Milliseconds(),
		SubmittedAt:      e.Request.SubmittedAt,
		CompletedAt:      e.Result.CompletedAt,
		RecordedAt:       e.RecordedAt,
	}
}

func toOperationDomain(m *OperationModel) history.Entry {
	e := history.Entry{
		Request: domain.OperationRequest{
			ID:          m.ID,
			Text:        m.Text,
			SubmittedAt: m.SubmittedAt,
			Source:      domain.Source(m.Source),
		},
		Result: domain.OperationResult{
			ID:          m.ID,
			Outcome:     domain.Outcome(m.Outcome),
			Success:     m.Success,
			Output:      m.Output,
			Duration:    time.Duration(m.DurationMS) * time.Millisecond,
			CompletedAt: m.CompletedAt,
		},
		RecordedAt: m.RecordedAt,
	}
	_ = json.Unmarshal(m.ToolsUsed, &e.Result.ToolsUsed)
	_ = json.Unmarshal(m.Steps, &e.Result.Steps)
	_ = json.Unmarshal(m.RollbackCommands, &e.RollbackCommands)
	return e
}

func toAuditModel(event security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:            uuid.New(),
		CorrelationID: event.CorrelationID,
		RequestID:     event.RequestID,
		Source:        event.Source,
		Tool:          event.Tool,
		Parameters:    marshalJSONB(event.Parameters, "{}"),
		RiskLevel:     event.RiskLevel,
		Reasons:       marshalJSONB(event.Reasons, "[]"),
		Decision:      event.Decision,
		Advisory:      event.Advisory,
		Result:        event.Result,
		ApprovedBy:    event.ApprovedBy,
		Error:         event.Error,
		CreatedAt:     event.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	event := security.AuditEvent{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		RequestID:     m.RequestID,
		Source:        m.Source,
		Tool:          m.Tool,
		RiskLevel:     m.RiskLevel,
		Decision:      m.Decision,
		Advisory:      m.Advisory,
		Result:        m.Result,
		ApprovedBy:    m.ApprovedBy,
		Error:         m.Error,
	}
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &event.Parameters)
	}
	if len(m.Reasons) > 0 {
		_ = json.Unmarshal(m.Reasons, &event.Reasons)
	}
	return event
}
