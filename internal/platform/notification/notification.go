// Package notification delivers consent codes and consent-lifecycle notices
// to patients over email and SMS, and keeps a capped in-memory delivery log
// that operators can inspect over HTTP.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careaccess/careaccess/internal/platform/auth"
)

// Channel is the transport a message goes out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// DeliveryStatus tracks a delivery through dispatch.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Delivery is one outbound message as recorded in the delivery log. For
// sensitive templates the stored subject and body are the unrendered template
// text: the one-time code exists only on the wire, never in the log.
type Delivery struct {
	ID         string         `json:"id"`
	Channel    Channel        `json:"channel"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	TemplateID string         `json:"template_id"`
	Sensitive  bool           `json:"sensitive,omitempty"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// EmailSender delivers email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template is a reusable message with {{key}} placeholders. Sensitive
// templates carry one-time codes and are redacted in the delivery log.
type Template struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
	Channel   Channel `json:"channel"`
	Sensitive bool    `json:"sensitive"`
}

func (t Template) render(data map[string]string) (subject, body string) {
	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body
}

// TemplateEngine holds the message templates. The consent-lifecycle templates
// are registered at construction.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtinTemplates() {
		e.templates[t.ID] = t
	}
	return e
}

func builtinTemplates() []Template {
	return []Template{
		{
			ID:        "consent-code-sms",
			Name:      "Consent Code (SMS)",
			Body:      "Your care-team access code is {{code}}. It expires at {{expires_at}}. If you did not expect this, ignore this message.",
			Channel:   ChannelSMS,
			Sensitive: true,
		},
		{
			ID:        "consent-code-email",
			Name:      "Consent Code (Email)",
			Subject:   "Your care-team access code",
			Body:      "A clinician has requested access to your record. Your verification code is {{code}}. It expires at {{expires_at}}.",
			Channel:   ChannelEmail,
			Sensitive: true,
		},
		{
			ID:      "consent-granted",
			Name:    "Consent Granted Confirmation",
			Subject: "Care-team access confirmed",
			Body:    "You have granted record access to a member of your care team on {{granted_at}}. Contact your clinic if this was not you.",
			Channel: ChannelEmail,
		},
		{
			ID:      "delegation-revoked",
			Name:    "Delegation Revoked Notice",
			Subject: "Care-team access revoked",
			Body:    "A care-team member's access to your record was revoked on {{revoked_at}}.",
			Channel: ChannelEmail,
		},
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Lookup returns a copy of the template with the given ID.
func (e *TemplateEngine) Lookup(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	return t, ok
}

// maxLoggedDeliveries caps the in-memory delivery log. The oldest entries are
// evicted first; the audit trail, not this log, is the durable record.
const maxLoggedDeliveries = 4096

// NotificationManager dispatches template-rendered messages to patients and
// records each attempt in the delivery log.
type NotificationManager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine

	mu     sync.RWMutex
	byID   map[string]*Delivery
	order  []string
	maxLog int
}

func NewNotificationManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *NotificationManager {
	return &NotificationManager{
		email:     email,
		sms:       sms,
		templates: tpl,
		byID:      make(map[string]*Delivery),
		maxLog:    maxLoggedDeliveries,
	}
}

// SendFromTemplate renders the template, dispatches it on the template's
// channel, and records the attempt. The returned Delivery is the logged form,
// so for sensitive templates its body is the unrendered template text.
func (m *NotificationManager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Delivery, error) {
	tpl, ok := m.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q not registered", templateID)
	}
	subject, body := tpl.render(data)

	d := &Delivery{
		ID:         uuid.New().String(),
		Channel:    tpl.Channel,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
		Sensitive:  tpl.Sensitive,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if tpl.Sensitive {
		d.Subject = tpl.Subject
		d.Body = tpl.Body
	}

	err := m.dispatch(ctx, d.Channel, recipient, subject, body)
	settle(d, err)
	m.record(d)
	return d, err
}

// dispatch performs the channel send. It touches no shared state.
func (m *NotificationManager) dispatch(ctx context.Context, channel Channel, recipient, subject, body string) error {
	switch channel {
	case ChannelEmail:
		return m.email.SendEmail(ctx, recipient, subject, body)
	case ChannelSMS:
		return m.sms.SendSMS(ctx, recipient, body)
	default:
		return fmt.Errorf("unsupported delivery channel: %s", channel)
	}
}

// settle applies the outcome of a dispatch to the delivery record.
func settle(d *Delivery, err error) {
	d.Attempts++
	if err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
		return
	}
	d.Status = StatusSent
	d.Error = ""
	sentAt := time.Now().UTC()
	d.SentAt = &sentAt
}

func (m *NotificationManager) record(d *Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[d.ID] = d
	m.order = append(m.order, d.ID)
	for len(m.order) > m.maxLog {
		delete(m.byID, m.order[0])
		m.order = m.order[1:]
	}
}

// GetDelivery returns a copy of a logged delivery.
func (m *NotificationManager) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("delivery %q not found", id)
	}
	out := *d
	return &out, nil
}

// ListByRecipient returns deliveries addressed to recipient, newest first,
// up to limit.
func (m *NotificationManager) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Delivery
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		d := m.byID[m.order[i]]
		if d.Recipient == recipient {
			cp := *d
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Retry re-dispatches a failed delivery. Deliveries from sensitive templates
// cannot be retried because the rendered body is not retained; the consent
// flow issues a fresh code instead.
func (m *NotificationManager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delivery %q not found", id)
	}
	if d.Sensitive {
		m.mu.Unlock()
		return fmt.Errorf("delivery %q carried a one-time code; resend the consent code instead", id)
	}
	if d.Status != StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("delivery %q is not failed (current: %s)", id, d.Status)
	}
	channel, recipient, subject, body := d.Channel, d.Recipient, d.Subject, d.Body
	m.mu.Unlock()

	err := m.dispatch(ctx, channel, recipient, subject, body)

	m.mu.Lock()
	settle(d, err)
	m.mu.Unlock()
	return err
}

// Stats returns delivery counts grouped by status.
func (m *NotificationManager) Stats(_ context.Context) map[DeliveryStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[DeliveryStatus]int)
	for _, d := range m.byID {
		stats[d.Status]++
	}
	return stats
}

// NotificationHandler exposes the delivery log to administrators. There is no
// send endpoint: deliveries originate from the consent flow, not from API
// callers.
type NotificationHandler struct {
	manager *NotificationManager
}

func NewNotificationHandler(mgr *NotificationManager) *NotificationHandler {
	return &NotificationHandler{manager: mgr}
}

func (h *NotificationHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.GET("/notifications", h.List)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/retry", h.Retry)
}

func (h *NotificationHandler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	list, err := h.manager.ListByRecipient(c.Request().Context(), recipient, 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, list)
}

func (h *NotificationHandler) Get(c echo.Context) error {
	d, err := h.manager.GetDelivery(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "delivery not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *NotificationHandler) Retry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, _ := h.manager.GetDelivery(c.Request().Context(), id)
	return c.JSON(http.StatusOK, d)
}

func (h *NotificationHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
