// ============================================================================
// Notifier - 運維告警郵件
// ============================================================================
//
// Package: internal/notify
// File: notifier.go
// Purpose: Render operator notifications and hand them to a Mailer
//
// Two families:
//   1. failure alerts  - undecodable payload / parse failure / execute failure.
//      These go through a token bucket (golang.org/x/time/rate) so a burst of
//      bad messages cannot flood the recipients.
//   2. queue alerts    - queue too long / recovery. The scheduler already
//      spaces these out with warnDelay and maxWarn, so they bypass the bucket.
//
// Every body carries username, hostname and the config path.
// Nothing is sent when the recipient list is empty.
//
// ============================================================================

package notify

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	undecodableSubject = "WARNING: could not parse alert payload on %s"
	undecodableBody    = `time (localtime):
  %s

alert message:
  %s

%s

    username : %s
    hostname : %s
    config   : %s
`

	parseSubject = "WARNING: parse callback caught an exception on %s"
	parseBody    = undecodableBody

	executeSubject = "WARNING: %s.execute caught an exception on %s"
	executeBody    = `time (localtime):
  %s

QueueItem = %s:
  %s

%s

    username : %s
    hostname : %s
    config   : %s

QueueItem marked complete to avoid repeated errors.
`

	warningSubject = "WARNING: queue is too long on %s"
	warningBody    = `WARNING:
scheduler contains SortedQueue with more than %d elements (len(queue)=%d)
    username : %s
    hostname : %s
    config   : %s
This is warning number : %d
`
	finalPrefix  = "FINAL "
	finalWarning = "This is the final warning!"

	recoverySubject = "RECOVERY: SortedQueue has shortened on %s"
	recoveryBody    = `RECOVERY:
scheduler contains SortedQueue with fewer than %d elements (len(queue)=%d)
    username : %s
    hostname : %s
    config   : %s
`
	unsilenced = "Recovery has un-silenced warnings."
)

// Options configures a Notifier.
type Options struct {
	Recipients []string
	ConfigPath string
	Hostname   string // defaults to os.Hostname()
	Username   string // defaults to the current user

	// Failure alerts allowed per hour and burst size. Zero rate means
	// unlimited.
	FailuresPerHour float64
	FailureBurst    int
}

// Notifier renders and sends operator notifications.
type Notifier struct {
	mailer     Mailer
	recipients []string
	configPath string
	hostname   string
	username   string
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// New returns a Notifier delivering through m.
func New(m Mailer, opts Options, log zerolog.Logger) *Notifier {
	n := &Notifier{
		mailer:     m,
		recipients: append([]string(nil), opts.Recipients...),
		configPath: opts.ConfigPath,
		hostname:   opts.Hostname,
		username:   opts.Username,
		log:        log.With().Str("component", "notify").Logger(),
	}
	if n.hostname == "" {
		n.hostname, _ = os.Hostname()
	}
	if n.username == "" {
		if u, err := user.Current(); err == nil {
			n.username = u.Username
		}
	}
	if opts.FailuresPerHour > 0 {
		burst := opts.FailureBurst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(opts.FailuresPerHour/3600), burst)
	}
	return n
}

// Recipients returns the configured recipient list.
func (n *Notifier) Recipients() []string { return append([]string(nil), n.recipients...) }

// Undecodable reports an inbound payload that could not be decoded.
func (n *Notifier) Undecodable(ctx context.Context, t0 time.Time, payload string, cause error) error {
	body := fmt.Sprintf(undecodableBody, ctime(t0), payload, cause, n.username, n.hostname, n.configPath)
	return n.failure(ctx, fmt.Sprintf(undecodableSubject, n.hostname), body)
}

// ParseFailure reports a parse callback failure for a decoded message.
func (n *Notifier) ParseFailure(ctx context.Context, t0 time.Time, message string, cause error) error {
	body := fmt.Sprintf(parseBody, ctime(t0), message, cause, n.username, n.hostname, n.configPath)
	return n.failure(ctx, fmt.Sprintf(parseSubject, n.hostname), body)
}

// ExecuteFailure reports an item whose execution failed and was forced complete.
func (n *Notifier) ExecuteFailure(ctx context.Context, t0 time.Time, name, description string, cause error) error {
	body := fmt.Sprintf(executeBody, ctime(t0), name, description, cause, n.username, n.hostname, n.configPath)
	return n.failure(ctx, fmt.Sprintf(executeSubject, name, n.hostname), body)
}

// QueueTooLong sends warning number count. The final one is marked as such.
func (n *Notifier) QueueTooLong(ctx context.Context, threshold, length, count int, final bool) error {
	subject := fmt.Sprintf(warningSubject, n.hostname)
	body := fmt.Sprintf(warningBody, threshold, length, n.username, n.hostname, n.configPath, count)
	if final {
		subject = finalPrefix + subject
		body += finalWarning
	}
	return n.send(ctx, subject, body)
}

// Recovery reports that the queue is short again.
func (n *Notifier) Recovery(ctx context.Context, threshold, length int, wasSilenced bool) error {
	body := fmt.Sprintf(recoveryBody, threshold, length, n.username, n.hostname, n.configPath)
	if wasSilenced {
		body += unsilenced
	}
	return n.send(ctx, fmt.Sprintf(recoverySubject, n.hostname), body)
}

func (n *Notifier) failure(ctx context.Context, subject, body string) error {
	if len(n.recipients) == 0 {
		return nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.log.Warn().Str("subject", subject).Msg("failure alert throttled")
		return nil
	}
	return n.send(ctx, subject, body)
}

func (n *Notifier) send(ctx context.Context, subject, body string) error {
	if len(n.recipients) == 0 || n.mailer == nil {
		return nil
	}
	return n.mailer.Deliver(ctx, n.recipients, subject, body)
}

func ctime(t time.Time) string { return t.Local().Format(time.ANSIC) }
