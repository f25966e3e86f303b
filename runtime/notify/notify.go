// Package notify composes and delivers the success email for a completed run.
// Delivery failures are reported to the caller for logging but never fail the
// run that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"goa.design/scout/runtime/analytics"
	"goa.design/scout/scout"
)

type (
	// Mailer sends one HTML email.
	Mailer interface {
		Send(ctx context.Context, to, subject, html string) error
	}

	// Recipients resolves the notification address for a user.
	Recipients interface {
		Credential(ctx context.Context, userID string) (scout.CredentialRecord, error)
	}

	// Options configures the notifier.
	Options struct {
		Mailer     Mailer
		Recipients Recipients
		// Analytics defaults to analytics.Nop.
		Analytics analytics.Sink
		// AppURL, when set, links the email footer to the scout's page.
		AppURL string
	}

	// Notifier sends success notifications.
	Notifier struct {
		mailer    Mailer
		rcpts     Recipients
		analytics analytics.Sink
		appURL    string
	}
)

// New builds a Notifier from the provided options.
func New(opts Options) (*Notifier, error) {
	if opts.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if opts.Recipients == nil {
		return nil, errors.New("recipient resolver is required")
	}
	sink := opts.Analytics
	if sink == nil {
		sink = analytics.Nop{}
	}
	return &Notifier{
		mailer:    opts.Mailer,
		rcpts:     opts.Recipients,
		analytics: sink,
		appURL:    strings.TrimSuffix(opts.AppURL, "/"),
	}, nil
}

// NotifySuccess emails the run's report to the scout owner. A user without a
// configured address is skipped silently.
func (n *Notifier) NotifySuccess(ctx context.Context, sc scout.Scout, exec scout.Execution, report scout.Report) error {
	rec, err := n.rcpts.Credential(ctx, sc.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if rec.Email == "" {
		return nil
	}

	subject := fmt.Sprintf("Scout update: %s", sc.Title)
	body := renderHTML(sc, exec, report, n.appURL)
	if err := n.mailer.Send(ctx, rec.Email, subject, body); err != nil {
		n.analytics.Emit(analytics.Event{
			Name: analytics.EventEmailFailed, UserID: sc.UserID, ScoutID: sc.ID,
			ExecutionID: exec.ID,
			Props:       map[string]any{"error": err.Error()},
		})
		return err
	}
	n.analytics.Emit(analytics.Event{
		Name: analytics.EventEmailSent, UserID: sc.UserID, ScoutID: sc.ID,
		ExecutionID: exec.ID,
	})
	return nil
}

// renderHTML builds the email body. The report's markdown is converted with a
// small renderer covering the constructs the agent actually emits: headings,
// bold, links, bullet lists and paragraphs.
func renderHTML(sc scout.Scout, exec scout.Execution, report scout.Report, appURL string) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family:sans-serif;max-width:640px;margin:0 auto">`)
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(sc.Title))
	if exec.CompletedAt != nil {
		fmt.Fprintf(&b, `<p style="color:#666">%s</p>`,
			exec.CompletedAt.UTC().Format(time.RFC1123))
	}
	b.WriteString(markdownToHTML(report.Response))
	if appURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s/scouts/%s">View this scout</a></p>`,
			appURL, sc.ID)
	}
	b.WriteString("</div>")
	return b.String()
}

var (
	linkRe   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*]+)\*`)
)

func markdownToHTML(md string) string {
	var (
		b      strings.Builder
		inList bool
	)
	closeList := func() {
		if inList {
			b.WriteString("</ul>")
			inList = false
		}
	}
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			closeList()
		case strings.HasPrefix(line, "### "):
			closeList()
			fmt.Fprintf(&b, "<h4>%s</h4>", inline(strings.TrimPrefix(line, "### ")))
		case strings.HasPrefix(line, "## "):
			closeList()
			fmt.Fprintf(&b, "<h3>%s</h3>", inline(strings.TrimPrefix(line, "## ")))
		case strings.HasPrefix(line, "# "):
			closeList()
			fmt.Fprintf(&b, "<h3>%s</h3>", inline(strings.TrimPrefix(line, "# ")))
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			if !inList {
				b.WriteString("<ul>")
				inList = true
			}
			fmt.Fprintf(&b, "<li>%s</li>", inline(line[2:]))
		default:
			closeList()
			fmt.Fprintf(&b, "<p>%s</p>", inline(line))
		}
	}
	closeList()
	return b.String()
}

// inline escapes a line then re-applies links, bold and italics.
func inline(s string) string {
	s = html.EscapeString(s)
	s = linkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "<em>$1</em>")
	return s
}
