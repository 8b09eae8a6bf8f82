package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/pkg/types"
)

var t0 = time.Unix(1000, 0)

func newTestParser(t *testing.T) (*Parser, *commands.Registry) {
	t.Helper()
	reg, err := commands.Default()
	require.NoError(t, err)
	p, err := Lookup("test", reg, config.Default())
	require.NoError(t, err)
	return p, reg
}

func decode(t *testing.T, payload string) types.Alert {
	t.Helper()
	var alert types.Alert
	require.NoError(t, json.Unmarshal([]byte(payload), &alert))
	return alert
}

func TestLookup(t *testing.T) {
	reg, err := commands.Default()
	require.NoError(t, err)

	p, err := Lookup("test", reg, config.Default())
	require.NoError(t, err)
	assert.Equal(t, "test", p.Name)
	assert.Equal(t, []string{"printAlert"}, p.Tasks.Names())

	_, err = Lookup("event_supervisor", reg, config.Default())
	assert.ErrorIs(t, err, ErrUnknownProcessType)
	assert.Contains(t, ProcessTypes(), "test")
}

func TestParseAlertAddsPrintItem(t *testing.T) {
	p, _ := newTestParser(t)
	idx := queue.NewIndex()

	n, err := p.Parse(idx, decode(t, `{"uid":"G123","alert_type":"new"}`), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, idx.Len())
	item := idx.Queue.Front()
	assert.Equal(t, "G123", item.GraceID)
	assert.True(t, item.Expiration().Equal(t0.Add(FirstPrint)))

	tasks := item.Tasks()
	require.Len(t, tasks, 2)
	second, err := tasks[1].Expiration()
	require.NoError(t, err)
	assert.True(t, second.Equal(t0.Add(SecondPrint)))

	require.Contains(t, idx.ByGraceID, "G123")
	assert.Same(t, item, idx.ByGraceID["G123"].Front())
	assert.NoError(t, idx.Check())
}

func TestParseAlertPrintsTwice(t *testing.T) {
	p, _ := newTestParser(t)
	idx := queue.NewIndex()
	_, err := p.Parse(idx, decode(t, `{"uid":"G1"}`), t0)
	require.NoError(t, err)

	var out bytes.Buffer
	now := t0.Add(time.Hour)
	env := &queue.Env{Index: idx, Log: zerolog.Nop(), Stdout: &out, Clock: func() time.Time { return now }}

	item, err := idx.Queue.Pop()
	require.NoError(t, err)
	require.NoError(t, item.Execute(context.Background(), env))
	assert.True(t, item.Complete())
	assert.Equal(t, "    G1 : {\"uid\":\"G1\"}\n    G1 : {\"uid\":\"G1\"}\n", out.String())
}

func TestParseRoutesCommands(t *testing.T) {
	p, _ := newTestParser(t)
	idx := queue.NewIndex()

	n, err := p.Parse(idx, decode(t, `{"uid":"command","alert_type":"clearGraceID","object":{"graceid":"G9"}}`), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, idx.Len())
	assert.Equal(t, "clearGraceID", idx.Queue.Front().Name)

	_, err = p.Parse(idx, decode(t, `{"uid":"command","alert_type":"clearGraceID","object":{}}`), t0)
	assert.ErrorIs(t, err, queue.ErrMissingParam)
	assert.Equal(t, 1, idx.Len(), "rejected command leaves the queue untouched")
}

func TestParseRejectsMissingUID(t *testing.T) {
	p, _ := newTestParser(t)
	idx := queue.NewIndex()

	_, err := p.Parse(idx, decode(t, `{"alert_type":"new"}`), t0)
	assert.ErrorIs(t, err, ErrNoUID)
	assert.Equal(t, 0, idx.Len())
}

func TestBuilderRestoresParserItems(t *testing.T) {
	p, reg := newTestParser(t)
	idx := queue.NewIndex()
	_, err := p.Parse(idx, decode(t, `{"uid":"G1"}`), t0)
	require.NoError(t, err)
	_, err = p.Parse(idx, decode(t, `{"uid":"command","alert_type":"printMessage","object":{"message":"hi"}}`), t0)
	require.NoError(t, err)

	restored := queue.NewIndex()
	added, err := restored.Merge(idx.Dump(t0), p.Builder(reg))
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.NoError(t, restored.Check())
}
