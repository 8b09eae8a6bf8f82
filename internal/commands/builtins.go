package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/alertqueue/internal/queue"
)

// Sentinel filenames for printQueue.
const (
	Stdout = "STDOUT"
	Stderr = "STDERR"
)

var (
	// ErrRaiseException is produced by the raiseException command. It wraps
	// queue.ErrFatal, so the scheduler stops after isolating the item.
	ErrRaiseException = fmt.Errorf("raiseException command received: %w", queue.ErrFatal)
	// ErrRaiseWarning is produced by the raiseWarning command.
	ErrRaiseWarning = errors.New("raiseWarning command received")
	// ErrNoBuilder is returned by loadQueue when the environment cannot
	// rebuild tasks.
	ErrNoBuilder = errors.New("no task builder configured")
)

// Builtins returns the definitions of every built-in command.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        "raiseException",
			Description: "raises a custom made exception",
			Action:      raiseException,
		},
		{
			Name:        "raiseWarning",
			Description: "raises a custom made warning",
			Action:      raiseWarning,
		},
		{
			Name:        "clearQueue",
			Description: "clears the queue",
			Forbidden:   []string{"graceid"},
			Action:      clearQueue,
		},
		{
			Name:        "clearGraceID",
			Description: "clears queue of items corresponding to 'graceid'",
			Required:    []string{"graceid"},
			Action:      clearGraceID,
		},
		{
			Name:        "checkpointQueue",
			Description: "writes a representation of the queue to disk",
			Required:    []string{"filename"},
			Action:      checkpointQueue,
		},
		{
			Name:        "repeatedCheckpoint",
			Description: "writes a representation of the queue to disk and updates expiration",
			Required:    []string{"filename", "sleep"},
			Action:      repeatedCheckpoint,
		},
		{
			Name:        "loadQueue",
			Description: "loads a representation of the queue from disk",
			Required:    []string{"filename"},
			Action:      loadQueue,
		},
		{
			Name:        "printMessage",
			Description: "prints a message",
			Required:    []string{"message"},
			Action:      printMessage,
		},
		{
			Name:        "sendEmail",
			Description: "sends an email",
			Required:    []string{"recipients", "subject", "body"},
			Action:      sendEmail,
		},
		{
			Name:        "printQueue",
			Description: "prints queue and queueByGraceID to a file and will overwrite anything that exists in that path",
			Required:    []string{"filename"},
			Action:      printQueue,
		},
	}
}

// logger returns the run's logger tagged with the command name.
func logger(run queue.Run) *zerolog.Logger {
	l := run.Log.With().Str("component", run.Task.Name).Logger()
	return &l
}

func raiseException(ctx context.Context, run queue.Run) (bool, error) {
	return false, ErrRaiseException
}

func raiseWarning(ctx context.Context, run queue.Run) (bool, error) {
	return false, ErrRaiseWarning
}

// clearQueue empties the global queue and every per-key queue. The running
// item has already been popped and carries no graceid, so nothing refers to
// it afterwards.
func clearQueue(ctx context.Context, run queue.Run) (bool, error) {
	n := run.Index.Len()
	run.Index.Clear()
	logger(run).Info().Int("dropped", n).Msg("queue cleared")
	return true, nil
}

// clearGraceID marks every other item under graceid complete. The per-key
// queue stays; the loop drains it and prunes it once empty.
func clearGraceID(ctx context.Context, run queue.Run) (bool, error) {
	gid, _ := run.Task.Params.String("graceid")
	n, err := run.Index.MarkGraceIDComplete(gid, run.Item)
	if err != nil {
		return false, err
	}
	logger(run).Info().Str("graceid", gid).Int("marked", n).Msg("graceid cleared")
	return true, nil
}

// checkpointQueue writes one snapshot. With an interval (seconds) or a cron
// schedule it re-arms itself instead of finishing.
func checkpointQueue(ctx context.Context, run queue.Run) (bool, error) {
	if err := writeCheckpoint(run); err != nil {
		return false, err
	}

	now := run.Now()
	if spec, ok := run.Task.Params.String("schedule"); ok && spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return true, fmt.Errorf("%w: schedule=%q: %v", queue.ErrBadParam, spec, err)
		}
		run.Task.Rearm(sched.Next(now))
		return false, nil
	}

	interval, ok, err := run.Task.Params.Seconds("interval")
	if err != nil {
		return true, err
	}
	if !ok || interval <= 0 {
		return true, nil
	}
	run.Task.Rearm(now.Add(interval))
	return false, nil
}

// repeatedCheckpoint writes a snapshot every sleep seconds, forever.
func repeatedCheckpoint(ctx context.Context, run queue.Run) (bool, error) {
	if err := writeCheckpoint(run); err != nil {
		return false, err
	}
	interval, _, err := run.Task.Params.Seconds("sleep")
	if err != nil {
		return true, err
	}
	if interval <= 0 {
		return true, fmt.Errorf("%w: sleep must be positive, got %s", queue.ErrBadParam, interval)
	}
	run.Task.Rearm(run.Now().Add(interval))
	return false, nil
}

func writeCheckpoint(run queue.Run) error {
	if run.Snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	filename, _ := run.Task.Params.String("filename")
	if err := run.Snapshots.Write(filename, run.Index.Dump(run.Now())); err != nil {
		return fmt.Errorf("checkpoint %s: %w", filename, err)
	}
	logger(run).Debug().Str("filename", filename).Int("items", run.Index.Len()).Msg("queue checkpointed")
	return nil
}

// loadQueue merges a snapshot into the live index. Existing items stay.
func loadQueue(ctx context.Context, run queue.Run) (bool, error) {
	if run.Snapshots == nil {
		return false, errors.New("no snapshot store configured")
	}
	if run.Tasks == nil {
		return false, ErrNoBuilder
	}
	filename, _ := run.Task.Params.String("filename")
	data, err := run.Snapshots.Load(filename)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", filename, err)
	}
	added, err := run.Index.Merge(data, run.Tasks)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", filename, err)
	}
	logger(run).Info().Str("filename", filename).Int("added", added).Msg("queue loaded")
	return true, nil
}

// printMessage writes the message unformatted to stderr and to the log.
func printMessage(ctx context.Context, run queue.Run) (bool, error) {
	msg, _ := run.Task.Params.String("message")
	fmt.Fprintln(run.Err(), msg)
	logger(run).Info().Msg(msg)
	return true, nil
}

func sendEmail(ctx context.Context, run queue.Run) (bool, error) {
	if run.Mailer == nil {
		return false, errors.New("no mailer configured")
	}
	recipients := run.Task.Params.Strings("recipients")
	subject, _ := run.Task.Params.String("subject")
	body, _ := run.Task.Params.String("body")

	logger(run).Info().Strs("recipients", recipients).Msg("sending email")
	if err := run.Mailer.Deliver(ctx, recipients, subject, body); err != nil {
		return false, err
	}
	return true, nil
}

// printQueue dumps both indices to a file, or to stdout/stderr for the
// sentinel names. An existing file is overwritten.
func printQueue(ctx context.Context, run queue.Run) (bool, error) {
	filename, _ := run.Task.Params.String("filename")
	logger(run).Info().Str("filename", filename).Msg("printing queue")

	var err error
	switch filename {
	case Stdout:
		err = WriteQueue(run.Out(), run.Index)
	case Stderr:
		err = WriteQueue(run.Err(), run.Index)
	default:
		err = writeQueueFile(filename, run.Index)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// writeQueueFile 寫入檔案；flush 或 close 失敗也要回報
func writeQueueFile(filename string, idx *queue.Index) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", filename, cerr)
		}
	}()

	w := bufio.NewWriter(f)
	if err := WriteQueue(w, idx); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", filename, err)
	}
	return nil
}

// WriteQueue writes the global queue followed by one "graceid : queue" line
// per key.
func WriteQueue(w io.Writer, idx *queue.Index) error {
	if _, err := fmt.Fprintln(w, idx.Queue); err != nil {
		return err
	}
	for _, gid := range idx.GraceIDs() {
		if _, err := fmt.Fprintf(w, "%s : %s\n", gid, idx.ByGraceID[gid]); err != nil {
			return err
		}
	}
	return nil
}
