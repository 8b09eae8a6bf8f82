package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// Timeouts of the two printAlert tasks. Printing twice exercises an item
// holding more than one task.
const (
	FirstPrint  = 5 * time.Second
	SecondPrint = 10 * time.Second
)

// ErrNoUID is returned for an alert without a uid.
var ErrNoUID = errors.New("alert has no uid")

// PrintAlert writes "graceid : alert" to stdout.
var PrintAlert = queue.Kind{
	Name:        "printAlert",
	Description: "prints the alert under its graceid",
	Required:    []string{"graceid", "alert"},
	Action:      printAlert,
}

func printAlert(ctx context.Context, run queue.Run) (bool, error) {
	graceID, _ := run.Task.Params.String("graceid")
	alert, _ := run.Task.Params.String("alert")
	if run.Verbose {
		run.Log.Debug().Str("graceid", graceID).Msg("print alert")
	}
	fmt.Fprintf(run.Out(), "    %s : %s\n", graceID, alert)
	return true, nil
}

// Test is the example parser: commands go to the registry, every other
// alert gets one item printing it twice.
func Test(reg *commands.Registry, cfg *config.Config) *Parser {
	tasks := queue.Catalog{}.Add(PrintAlert)
	return &Parser{
		Name:  "test",
		Tasks: tasks,
		Parse: func(idx *queue.Index, alert types.Alert, t0 time.Time) (int, error) {
			graceID := alert.UID()
			if graceID == types.CommandUID {
				return reg.Dispatch(idx, alert, t0)
			}
			if graceID == "" {
				return 0, ErrNoUID
			}

			raw, err := json.Marshal(alert)
			if err != nil {
				return 0, fmt.Errorf("encode alert: %w", err)
			}
			params := queue.Params{"graceid": graceID, "alert": string(raw)}

			first, err := PrintAlert.New(FirstPrint, params)
			if err != nil {
				return 0, err
			}
			second, err := PrintAlert.New(SecondPrint, params.Clone())
			if err != nil {
				return 0, err
			}
			item := queue.NewItem("alert", "print alert for "+graceID, t0, graceID, first, second)
			if err := idx.Insert(item); err != nil {
				return 0, err
			}
			return 1, nil
		},
	}
}
