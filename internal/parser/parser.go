// Package parser holds the parse callbacks that turn decoded alerts into
// queue items. The scheduler picks one by the configured process type.
package parser

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// ErrUnknownProcessType is returned by Lookup for an unregistered process type.
var ErrUnknownProcessType = errors.New("process_type not understood")

// Func inserts the items for one alert into idx. The returned count is
// advisory.
type Func func(idx *queue.Index, alert types.Alert, t0 time.Time) (int, error)

// Parser is a parse callback plus the task kinds its items use, so that a
// snapshot holding those items can be restored.
type Parser struct {
	Name  string
	Parse Func
	Tasks queue.Catalog
}

// Factory builds a parser bound to a command registry and configuration.
type Factory func(reg *commands.Registry, cfg *config.Config) *Parser

var factories = map[string]Factory{
	"test": Test,
}

// ProcessTypes returns the registered process types, sorted.
func ProcessTypes() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the parser for processType.
func Lookup(processType string, reg *commands.Registry, cfg *config.Config) (*Parser, error) {
	f, ok := factories[processType]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProcessType, processType, ProcessTypes())
	}
	return f(reg, cfg), nil
}

// Builder returns a task builder that knows the command tasks and this
// parser's tasks.
func (p *Parser) Builder(reg *commands.Registry) queue.Builder {
	return queue.Builders{reg, p.Tasks}
}
