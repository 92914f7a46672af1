package ws

import (
	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/protocol"
)

// OperationEvent is the payload of MsgOperation.
type OperationEvent struct {
	Request domain.OperationRequest `json:"request"`
	Result  domain.OperationResult  `json:"result"`
}

// OperationRecorded publishes a recorded operation. Satisfies agent.Notifier.
func (h *Hub) OperationRecorded(req domain.OperationRequest, result domain.OperationResult) {
	h.Publish(protocol.MsgOperation, req.ID, OperationEvent{Request: req, Result: result})
}

// RolledBack publishes rollback reports. Satisfies agent.Notifier.
func (h *Hub) RolledBack(reports []history.Report) {
	h.Publish(protocol.MsgRollback, "", reports)
}

// AlertChanged publishes a monitor alert change.
func (h *Hub) AlertChanged(ch alerting.Change) {
	t := protocol.MsgAlertUpdated
	switch ch.Kind {
	case alerting.ChangeFired:
		t = protocol.MsgAlertFired
	case alerting.ChangeResolved:
		t = protocol.MsgAlertResolved
	}
	h.Publish(t, "", ch.Alert)
}

// ApprovalChanged publishes a queued approval being created or resolved.
func (h *Hub) ApprovalChanged(pa *approval.PendingApproval) {
	t := protocol.MsgApprovalResolved
	if pa.Status == approval.StatusPending {
		t = protocol.MsgApprovalPending
	}
	h.Publish(t, pa.Request.RequestID, pa)
}
