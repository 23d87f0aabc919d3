// Package notify sends best-effort email notifications for NETCONF
// lifecycle events. Failures are always logged and never propagated.
// The stable-subject/plain-text-body convention is new to this domain;
// each Event is sent through a single mail-transport function, and a
// failed send is logged rather than returned.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/config"
)

// Event is one notifiable NETCONF lifecycle occurrence.
type Event struct {
	Kind      string // connect, load, preview, commit, confirm, rollback, disconnect
	Hostname  string
	Success   bool
	Timestamp time.Time
	Details   map[string]string
}

// Sink dispatches Events as email messages. Safe for concurrent use.
type Sink struct {
	log  *zap.Logger
	cfg  config.SMTPConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// New builds a Sink. The real net/smtp.SendMail is used unless a test
// double is supplied via WithSender.
func New(log *zap.Logger, cfg config.SMTPConfig) *Sink {
	return &Sink{log: log, cfg: cfg, send: smtp.SendMail}
}

// WithSender overrides the mail transport, for tests.
func (s *Sink) WithSender(send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error) *Sink {
	s.send = send
	return s
}

// Emit sends one event as an email. It never returns an error to the
// caller: failures are logged and swallowed.
func (s *Sink) Emit(ev Event) {
	if !s.cfg.Enabled {
		return
	}
	if err := s.dispatch(ev); err != nil {
		s.log.Warn("notification send failed",
			zap.String("event", ev.Kind),
			zap.String("hostname", ev.Hostname),
			zap.Error(err),
		)
	}
}

func (s *Sink) dispatch(ev Event) error {
	status := "SUCCESS"
	if !ev.Success {
		status = "FAILED"
	}
	subject := fmt.Sprintf("%s %s - %s", s.cfg.SubjectPrefix, strings.ToUpper(ev.Kind), status)

	var body strings.Builder
	fmt.Fprintf(&body, "Event: %s\n", ev.Kind)
	fmt.Fprintf(&body, "Hostname: %s\n", ev.Hostname)
	fmt.Fprintf(&body, "Timestamp (UTC): %s\n", ev.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&body, "Status: %s\n", status)
	for _, k := range sortedKeys(ev.Details) {
		fmt.Fprintf(&body, "%s: %s\n", k, ev.Details[k])
	}

	recipients := append(append([]string{}, s.cfg.To...), s.cfg.CC...)
	if len(recipients) == 0 {
		return fmt.Errorf("notify: no recipients configured")
	}

	msg := buildMIMEMessage(s.cfg.From, s.cfg.To, s.cfg.CC, subject, body.String())

	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Server)
	}

	return s.send(addr, auth, s.cfg.From, recipients, msg)
}

func buildMIMEMessage(from string, to, cc []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
