// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package email implements the SMTP channel. The process-wide SMTP settings
// come from the system-settings repository; a connection is established per
// send, no pool.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/types"
)

// Notifier sends multipart HTML mail for ready groups.
type Notifier struct {
	settings store.SettingsRepo
	logger   *slog.Logger

	// send delivers the assembled message; replaced in tests.
	send func(cfg *types.SMTPConfig, rcpts []string, msg []byte) error
}

// New returns an email notifier reading SMTP settings from the repository.
func New(settings store.SettingsRepo, l *slog.Logger) *Notifier {
	return &Notifier{
		settings: settings,
		logger:   l.With("integration", "email"),
		send:     sendSMTP,
	}
}

// Subject renders the mail subject: single alerts carry their severity,
// groups their alert count.
func Subject(ch *types.NotificationChannel, g *group.Group) string {
	prefix := ch.Config.Str("subject_prefix", "[AlertFlow]")
	word := notify.StatusWord(g.Recovery())
	if len(g.Alerts) == 1 {
		return fmt.Sprintf("%s %s - %s (%s)", prefix, strings.ToUpper(g.Alerts[0].Severity), g.RuleName, word)
	}
	return fmt.Sprintf("%s %s - %d 条告警 (%s)", prefix, g.RuleName, len(g.Alerts), word)
}

// htmlBody renders the HTML alternative: one block per alert with a label
// table, capped like every other channel.
func htmlBody(g *group.Group) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h3>【%s】%s (%d 条)</h3>", notify.StatusWord(g.Recovery()), html.EscapeString(g.RuleName), len(g.Alerts))

	n := len(g.Alerts)
	shown := n
	if shown > notify.MaxRenderedAlerts {
		shown = notify.MaxRenderedAlerts
	}
	for _, a := range g.Alerts[:shown] {
		b.WriteString("<hr/>")
		fmt.Fprintf(&b, "<p><b>级别</b>: %s<br/><b>当前值</b>: %g</p>", html.EscapeString(strings.ToUpper(a.Severity)), a.Value)
		if summary := a.Annotations["summary"]; summary != "" {
			fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(summary))
		}
		b.WriteString(`<table border="1" cellpadding="4" cellspacing="0">`)
		for _, kv := range strings.Split(notify.FormatLabels(a.Labels), ", ") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(v))
			}
		}
		b.WriteString("</table>")
	}
	if n > shown {
		fmt.Fprintf(&b, "<p>... 另有 %d 条告警</p>", n-shown)
	}
	b.WriteString("</body></html>")
	return b.String()
}

const boundary = "alertflow-mail-boundary"

// BuildMessage assembles the full multipart/alternative RFC 5322 message.
func BuildMessage(from string, to, cc []string, subject string, g *group.Group) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(notify.PlainText(g))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(htmlBody(g))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func (n *Notifier) Notify(ctx context.Context, ch *types.NotificationChannel, g *group.Group) (bool, error) {
	cfg, err := n.settings.SMTP(ctx)
	if err != nil {
		return false, fmt.Errorf("email channel %q: smtp not configured: %w", ch.Name, err)
	}
	to := ch.Config.StrSlice("to")
	if len(to) == 0 {
		return false, fmt.Errorf("email channel %q has no recipients", ch.Name)
	}
	cc := ch.Config.StrSlice("cc")

	msg := BuildMessage(cfg.FromAddr, to, cc, Subject(ch, g), g)
	if err := n.send(cfg, append(append([]string{}, to...), cc...), msg); err != nil {
		return true, fmt.Errorf("send mail via %s: %w", cfg.Host, err)
	}
	return false, nil
}

// sendSMTP delivers the message over a fresh connection. With use_tls the
// connection starts encrypted (implicit TLS); otherwise STARTTLS is used
// when the server offers it.
func sendSMTP(cfg *types.SMTPConfig, rcpts []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var (
		c   *smtp.Client
		err error
	)
	if cfg.UseTLS {
		conn, derr := tls.Dial("tcp", addr, &tls.Config{ServerName: cfg.Host})
		if derr != nil {
			return derr
		}
		c, err = smtp.NewClient(conn, cfg.Host)
	} else {
		c, err = smtp.Dial(addr)
		if err == nil {
			if ok, _ := c.Extension("STARTTLS"); ok {
				err = c.StartTLS(&tls.Config{ServerName: cfg.Host})
			}
		}
	}
	if err != nil {
		return err
	}
	defer c.Quit()

	if cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(cfg.FromAddr); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}
