package queue

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// Mailer delivers an operator notification.
type Mailer interface {
	Deliver(ctx context.Context, recipients []string, subject, body string) error
}

// SnapshotFiles reads and writes named snapshots.
type SnapshotFiles interface {
	Write(path string, data types.SnapshotData) error
	Load(path string) (types.SnapshotData, error)
}

// Env is the execution environment handed to every action. Commands reach
// the live index through it and mutate it in place.
type Env struct {
	Index     *Index
	Tasks     Builder // rebuilds tasks when a snapshot is merged
	Log       zerolog.Logger
	Mailer    Mailer
	Snapshots SnapshotFiles
	Stdout    io.Writer
	Stderr    io.Writer
	Clock     func() time.Time
	Verbose   bool
}

// Now returns the environment's current time.
func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Out returns the stdout writer, defaulting to os.Stdout.
func (e *Env) Out() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return os.Stdout
}

// Err returns the stderr writer, defaulting to os.Stderr.
func (e *Env) Err() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return os.Stderr
}
