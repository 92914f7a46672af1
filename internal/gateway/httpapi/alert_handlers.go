package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
)

func (g *Gateway) handleAlerts(c *okapi.Context) error {
	if g.alerts == nil {
		return c.OK([]alerting.ActiveAlert{})
	}
	return c.OK(g.alerts.List())
}

// ApprovalDecisionRequest is the JSON body for POST /v1/approvals/{id}.
type ApprovalDecisionRequest struct {
	Decision string `json:"decision"` // "approve" or "deny"
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	if g.approvals == nil {
		return c.OK([]*approval.PendingApproval{})
	}
	return c.OK(g.approvals.List(c.Context()))
}

func (g *Gateway) handleApprovalDecision(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return c.AbortBadRequest("decision must be \"approve\" or \"deny\"")
	}
	if g.approvals == nil {
		return c.AbortServiceUnavailable("approval queue not configured")
	}

	id := c.Param("id")
	g.logger.Info("http approval",
		slog.String("client_id", clientID),
		slog.String("approval_id", id),
		slog.String("decision", req.Decision),
	)

	var err error
	if req.Decision == "approve" {
		err = g.approvals.Approve(c.Context(), id, clientID)
	} else {
		err = g.approvals.Deny(c.Context(), id, clientID)
	}
	if err != nil {
		return approvalError(c, err)
	}

	pa, err := g.approvals.Get(c.Context(), id)
	if err != nil {
		return approvalError(c, err)
	}
	return c.OK(pa)
}

// approvalError maps approval errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, ErrorBody{Error: "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}
