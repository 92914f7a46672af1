// Package notification forwards monitor alerts to external channels
// (generic webhooks and Slack). Every delivery attempt is audited when
// an auditor is attached.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/security"
)

const defaultSendTimeout = 10 * time.Second

// Sender is one notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload sent through a channel.
type Message struct {
	Subject  string
	Body     string
	Metadata map[string]string
}

// Dispatcher fans messages out to every registered sender.
// Safe for concurrent use.
type Dispatcher struct {
	senders     []Sender
	auditor     security.Auditor // nil = no audit trail
	minSeverity alerting.Severity
	timeout     time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher over senders.
func NewDispatcher(logger *slog.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders:     senders,
		minSeverity: alerting.SeverityWarning,
		timeout:     defaultSendTimeout,
		logger:      logger,
	}
}

// WithAuditor records every delivery attempt.
func (d *Dispatcher) WithAuditor(a security.Auditor) *Dispatcher {
	d.auditor = a
	return d
}

// WithMinSeverity drops alerts below s. Warning forwards everything.
func (d *Dispatcher) WithMinSeverity(s alerting.Severity) *Dispatcher {
	if s != "" {
		d.minSeverity = s
	}
	return d
}

// Len returns the number of senders.
func (d *Dispatcher) Len() int { return len(d.senders) }

// Notify sends msg through every sender and returns per-channel errors
// keyed by channel type and position (e.g. "webhook#0").
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	errs := make(map[string]error, len(d.senders))
	for i, s := range d.senders {
		key := fmt.Sprintf("%s#%d", s.Type(), i)
		err := s.Send(ctx, msg)
		errs[key] = err
		if err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", key),
				slog.String("error", err.Error()),
			)
		} else {
			d.logger.InfoContext(ctx, "notification sent", slog.String("channel", key))
		}
		d.audit(ctx, key, msg, err)
	}
	return errs
}

// AlertChanged forwards fired and resolved alerts in the background.
// Updates of an already firing alert are not forwarded.
func (d *Dispatcher) AlertChanged(ch alerting.Change) {
	if ch.Kind == alerting.ChangeUpdated || !d.passes(ch.Alert.Severity) || len(d.senders) == 0 {
		return
	}
	msg := AlertMessage(ch)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.Notify(ctx, msg)
	}()
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) passes(s alerting.Severity) bool {
	return d.minSeverity != alerting.SeverityCritical || s == alerting.SeverityCritical
}

// AlertMessage renders an alert change.
func AlertMessage(ch alerting.Change) *Message {
	a := ch.Alert
	body := a.Message
	if ch.Kind == alerting.ChangeResolved {
		body = fmt.Sprintf("%s resolved after %s", a.Rule, a.UpdatedAt.Sub(a.FiredAt).Round(time.Second))
	}
	return &Message{
		Subject: fmt.Sprintf("[%s] %s %s", a.Severity, a.Rule, ch.Kind),
		Body:    body,
		Metadata: map[string]string{
			"rule":      a.Rule,
			"severity":  string(a.Severity),
			"status":    string(ch.Kind),
			"value":     fmt.Sprintf("%.1f", a.Value),
			"threshold": fmt.Sprintf("%.1f", a.Threshold),
		},
	}
}

func (d *Dispatcher) audit(ctx context.Context, channel string, msg *Message, err error) {
	if d.auditor == nil {
		return
	}
	event := security.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Source:        "notification",
		Tool:          "notify",
		Parameters: map[string]any{
			"channel": channel,
			"subject": msg.Subject,
		},
		RiskLevel: security.RiskLow.String(),
		Decision:  security.DecisionAllow.String(),
		Result:    "success",
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	if aerr := d.auditor.LogAction(ctx, event); aerr != nil {
		d.logger.WarnContext(ctx, "audit write failed", slog.String("error", aerr.Error()))
	}
}
