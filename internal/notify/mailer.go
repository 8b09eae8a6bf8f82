package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// ErrDelivery is returned when the mail transport exits non-zero.
var ErrDelivery = errors.New("email failed to send")

// Mailer delivers a message to recipients.
type Mailer interface {
	Deliver(ctx context.Context, recipients []string, subject, body string) error
}

// MailCommand delivers through a mail(1)-compatible program:
//
//	<program> -s <subject> <recipients...>   (body on stdin)
type MailCommand struct {
	Program string
}

// Deliver implements Mailer.
func (m MailCommand) Deliver(ctx context.Context, recipients []string, subject, body string) error {
	program := m.Program
	if program == "" {
		program = "mail"
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrDelivery)
	}

	cmd := exec.CommandContext(ctx, program, "-s", subject, strings.Join(recipients, " "))
	cmd.Stdin = strings.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v\nstdout : %s\nstderr : %s", ErrDelivery, err, stdout.String(), stderr.String())
	}
	return nil
}

// Message is one delivered notification.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

// Recorder keeps every message instead of sending it. Set Err to make
// deliveries fail. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

// Deliver implements Mailer.
func (r *Recorder) Deliver(ctx context.Context, recipients []string, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{
		Recipients: append([]string(nil), recipients...),
		Subject:    subject,
		Body:       body,
	})
	return r.Err
}

// Messages returns a copy of what was delivered so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
