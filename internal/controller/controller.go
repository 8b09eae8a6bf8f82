// ============================================================================
// AlertQueue 控制器 - 排程迴圈
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 單執行緒排程迴圈，串起 inbox、parse callback、隊列執行與營運告警
//
// 架構設計:
//   Scheduler 是系統的"大腦"，協調以下組件：
//   - inbox.Channel: 接收外部 alert（Ready 之後才 Receive）
//   - parser.Parser: 依 process_type 把 alert 轉成 QueueItem
//   - queue.Index: 全域隊列 + 每個 graceid 的隊列
//   - notify.Notifier: 寄送失敗告警、隊列過長警告與恢復通知
//
// 單次迭代 (Step):
//   1. 若 inbox 有資料：接收、JSON 解碼、呼叫 parse（失敗皆隔離）
//   2. 丟棄隊列前端已 complete 的項目
//   3. 前端項目到期則取出執行：
//      - 失敗：強制 complete 並告警，避免無限重試
//      - complete：從 graceid 隊列移除
//      - 未完成：重新插入兩個索引
//   4. 修剪空的 graceid 隊列
//   5. complete 數超過 min(len*maxFrac, maxComplete) 時 clean
//   6. 隊列長度警告 / 恢復通知
//   Run 在每次迭代後睡到固定週期結束
//
// 並發安全:
//   - 隊列只由迴圈所在 goroutine 修改，不需要鎖
//   - 外部讀者只透過 Status() 讀取 copy-on-write 快照
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/inbox"
	"github.com/ChuLiYu/alertqueue/internal/metrics"
	"github.com/ChuLiYu/alertqueue/internal/notify"
	"github.com/ChuLiYu/alertqueue/internal/parser"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/internal/snapshot"
	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// ErrPanic wraps a panic recovered inside the loop.
var ErrPanic = errors.New("recovered panic")

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 建立 Scheduler 所需的協作者
type Options struct {
	Config    *config.Config
	Inbox     inbox.Channel
	Registry  *commands.Registry // nil 時使用 commands.Default()
	Parser    *parser.Parser     // nil 時依 process_type 查找
	Notifier  *notify.Notifier   // nil 時以 Mailer 建立
	Mailer    notify.Mailer      // nil 時使用 mail(1)
	Snapshots queue.SnapshotFiles
	Metrics   *metrics.Collector
	Health    *health.Server
	Log       zerolog.Logger

	Stdout io.Writer
	Stderr io.Writer
	Clock  func() time.Time

	// SdNotify 回報 systemd 狀態；nil 時使用 go-systemd
	SdNotify SdNotifyFunc
	// Watchdog 回傳 systemd watchdog 週期；nil 時讀取環境變數
	Watchdog func() (time.Duration, error)
}

// Scheduler 排程迴圈
type Scheduler struct {
	cfg      *config.Config
	inbox    inbox.Channel
	reg      *commands.Registry
	parser   *parser.Parser
	idx      *queue.Index
	env      *queue.Env
	notifier *notify.Notifier
	metrics  *metrics.Collector
	health   *health.Server
	log      zerolog.Logger
	clock    func() time.Time
	sd       SdNotifyFunc
	watchdog func() (time.Duration, error)

	// 隊列長度告警狀態
	warnCount int
	warnTime  time.Time // zero 代表負無窮，下一次超標立刻告警

	counters  counters
	startedAt time.Time
	status    atomic.Pointer[Status]
	running   atomic.Bool
}

type counters struct {
	iterations uint64
	received   uint64
	executed   uint64
	failures   uint64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Scheduler
//
// 啟動期錯誤（registry 不一致、未知 process_type）直接回傳，迴圈不會開始。
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Inbox == nil {
		return nil, errors.New("scheduler needs an inbox")
	}

	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = commands.Default(); err != nil {
			return nil, err
		}
	} else if err := reg.Validate(); err != nil {
		return nil, err
	}

	p := opts.Parser
	if p == nil {
		var err error
		if p, err = parser.Lookup(cfg.General.ProcessType, reg, cfg); err != nil {
			return nil, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	base := opts.Log
	if !cfg.General.Verbose {
		// 非 verbose 只留下失敗訊息
		base = base.Level(zerolog.WarnLevel)
	}
	log := base.With().Str("component", "scheduler").Logger()

	mailer := opts.Mailer
	if mailer == nil {
		mailer = notify.MailCommand{Program: cfg.Notify.MailProgram}
	}
	n := opts.Notifier
	if n == nil {
		n = notify.New(mailer, notify.Options{
			Recipients:      cfg.Scheduler.Recipients,
			ConfigPath:      cfg.Path,
			FailuresPerHour: cfg.Notify.FailureAlertsPerHour,
			FailureBurst:    cfg.Notify.FailureAlertBurst,
		}, opts.Log)
	}

	snaps := opts.Snapshots
	if snaps == nil {
		snaps = &snapshot.Files{}
	}

	idx := queue.NewIndex()
	s := &Scheduler{
		cfg:      cfg,
		inbox:    opts.Inbox,
		reg:      reg,
		parser:   p,
		idx:      idx,
		notifier: n,
		metrics:  opts.Metrics,
		health:   opts.Health,
		log:      log,
		clock:    clock,
		sd:       opts.SdNotify,
		watchdog: opts.Watchdog,
		env: &queue.Env{
			Index:     idx,
			Tasks:     p.Builder(reg),
			Log:       base,
			Mailer:    mailer,
			Snapshots: snaps,
			Stdout:    opts.Stdout,
			Stderr:    opts.Stderr,
			Clock:     clock,
			Verbose:   cfg.General.Verbose,
		},
	}
	if s.sd == nil {
		s.sd = systemdNotify
	}
	if s.watchdog == nil {
		s.watchdog = systemdWatchdog
	}
	s.startedAt = clock()
	s.publish()
	return s, nil
}

// Index 回傳迴圈擁有的索引。只能在迴圈 goroutine 或迴圈停止後使用。
func (s *Scheduler) Index() *queue.Index { return s.idx }

// Registry 回傳使用中的 command registry
func (s *Scheduler) Registry() *commands.Registry { return s.reg }

// Restore 將快照合併進隊列（啟動時使用）
//
// 快照不存在不是錯誤，回傳 0。
func (s *Scheduler) Restore(path string) (int, error) {
	data, err := s.env.Snapshots.Load(path)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		s.log.Warn().Str("filename", path).Msg("no snapshot to restore")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("restore %s: %w", path, err)
	}
	added, err := s.idx.Merge(data, s.env.Tasks)
	if err != nil {
		return added, fmt.Errorf("restore %s: %w", path, err)
	}
	if s.metrics != nil {
		s.metrics.SetRestored(added)
	}
	s.log.Info().Str("filename", path).Int("items", added).Msg("snapshot restored")
	s.publish()
	return added, nil
}

// Run 執行迴圈直到 ctx 取消或收到致命錯誤
//
// ctx 取消時回傳 nil；raiseException 等致命錯誤在隔離後回傳。
func (s *Scheduler) Run(ctx context.Context) error {
	if path := s.cfg.Scheduler.Restore; path != "" {
		if _, err := s.Restore(path); err != nil {
			return err
		}
	}

	s.running.Store(true)
	s.setServing(true)
	s.notifySystemd(SdReady)
	s.log.Info().
		Str("process_type", s.parser.Name).
		Dur("sleep", s.cfg.Scheduler.Sleep).
		Msg("scheduler started")

	defer func() {
		s.running.Store(false)
		s.setServing(false)
		s.notifySystemd(SdStopping)
		s.publish()
		s.log.Info().Msg("scheduler stopped")
	}()

	watchdogEvery, _ := s.watchdog()
	var lastWatchdog time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()

		if err := s.Step(ctx); err != nil {
			s.log.Error().Err(err).Msg("fatal error, stopping scheduler")
			return err
		}

		if watchdogEvery > 0 && time.Since(lastWatchdog) >= watchdogEvery/2 {
			s.notifySystemd(SdWatchdog)
			lastWatchdog = time.Now()
		}

		// 睡到固定週期結束；已超時則直接進入下一輪
		if remain := s.cfg.Scheduler.Sleep - time.Since(start); remain > 0 {
			timer := time.NewTimer(remain)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// Step 執行一次迭代（不睡眠）
//
// 只有致命錯誤會回傳；其他錯誤都在迭代內隔離。
func (s *Scheduler) Step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// 結構性錯誤：大聲記錄，但迴圈不死
			s.fail(metrics.StageLoop, fmt.Errorf("%w: %v", ErrPanic, r), "panic in scheduler iteration")
			s.log.Debug().Str("stack", string(debug.Stack())).Msg("panic stack")
			err = nil
		}
		s.counters.iterations++
		s.publish()
	}()

	s.receive(ctx)
	s.drainComplete()
	if err := s.executeFront(ctx); err != nil {
		return err
	}
	if n := s.idx.Prune(); n > 0 {
		s.log.Debug().Int("graceids", n).Msg("pruned empty graceid queues")
	}
	s.maybeClean()
	s.checkLength(ctx)
	return nil
}

// ============================================================================
// 迭代步驟
// ============================================================================

// receive 接收並處理至多一則訊息
func (s *Scheduler) receive(ctx context.Context) {
	if !s.inbox.Ready() {
		return
	}
	// Ready 之後 Receive 實際上不會阻塞
	msg, err := s.inbox.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(metrics.StageLoop, err, "inbox receive failed")
		}
		return
	}
	s.counters.received++
	if s.metrics != nil {
		s.metrics.RecordReceived()
	}
	s.log.Debug().Str("payload", msg.Payload).Msg("received")

	alert, err := decodeAlert(msg.Payload)
	if err != nil {
		s.fail(metrics.StageDecode, err, "could not decode message")
		s.deliver("undecodable", s.notifier.Undecodable(ctx, msg.T0, msg.Payload, err))
		return
	}

	added, err := s.parse(alert, msg.T0)
	if err != nil {
		s.fail(metrics.StageParse, err, "could not parse message")
		s.deliver("parse_failure", s.notifier.ParseFailure(ctx, msg.T0, msg.Payload, err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAdded(added)
	}
}

func decodeAlert(payload string) (types.Alert, error) {
	var alert types.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, errors.New("message is not a JSON object")
	}
	return alert, nil
}

// parse 呼叫 parse callback，panic 視為 parse 失敗
func (s *Scheduler) parse(alert types.Alert, t0 time.Time) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return s.parser.Parse(s.idx, alert, t0)
}

// drainComplete 丟棄前端已 complete 的項目（graceid 隊列已由完成者處理）
func (s *Scheduler) drainComplete() {
	q := s.idx.Queue
	for q.Len() > 0 && q.Front().Complete() {
		item, err := q.Pop()
		if err != nil {
			panic(err)
		}
		s.log.Debug().Str("item", item.Name).Str("description", item.Description).Msg("already complete")
	}
}

// executeFront 執行到期的前端項目
func (s *Scheduler) executeFront(ctx context.Context) error {
	now := s.clock()
	front := s.idx.Queue.Front()
	if front == nil || !front.Due(now) {
		return nil
	}
	item, err := s.idx.Queue.Pop()
	if err != nil {
		panic(err)
	}

	var lag time.Duration
	if exp := item.Expiration(); !exp.IsZero() {
		lag = now.Sub(exp)
	}
	s.log.Debug().Str("item", item.Name).Str("description", item.Description).Msg("performing")

	start := time.Now()
	execErr := s.execute(ctx, item)
	s.counters.executed++
	if s.metrics != nil {
		s.metrics.RecordExecuted(time.Since(start).Seconds(), lag.Seconds())
	}

	if execErr != nil {
		// 強制 complete，避免同一個項目無限重試
		s.idx.Queue.MarkComplete(item)
		s.fail(metrics.StageExecute, execErr, "item execution failed, marked complete")
		s.deliver("execute_failure", s.notifier.ExecuteFailure(ctx, item.T0, item.Name, item.Description, execErr))
	}

	if item.Complete() {
		if err := s.idx.Retire(item); err != nil {
			s.fail(metrics.StageLoop, err, "could not remove completed item from its graceid queue")
		}
		if s.metrics != nil {
			s.metrics.RecordCompleted()
		}
	} else if err := s.idx.Reinsert(item); err != nil {
		s.fail(metrics.StageLoop, err, "could not reinsert item")
	}

	if errors.Is(execErr, queue.ErrFatal) {
		return execErr
	}
	return nil
}

// execute 執行項目，panic 視為執行失敗
func (s *Scheduler) execute(ctx context.Context, item *queue.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return item.Execute(ctx, s.env)
}

// maybeClean complete 數超過門檻時做一次完整 clean
func (s *Scheduler) maybeClean() {
	q := s.idx.Queue
	limit := min(float64(q.Len())*s.cfg.Scheduler.MaxFrac, float64(s.cfg.Scheduler.MaxComplete))
	if float64(q.CompleteCount()) <= limit {
		return
	}
	removed := q.Clean()
	if s.metrics != nil {
		s.metrics.RecordClean()
	}
	s.log.Debug().Int("removed", removed).Int("length", q.Len()).Msg("cleaned queue")
}

// checkLength 隊列長度告警
//
//   - 超過門檻且已過 warnTime：warnCount++，未超過 maxWarn 才寄信
//     （第 maxWarn 封標示為 final），warnTime 一律往後推 warnDelay
//   - 回到門檻以下且曾告警：寄恢復通知並重置
func (s *Scheduler) checkLength(ctx context.Context) {
	sc := s.cfg.Scheduler
	length := s.idx.Len()
	now := s.clock()

	if length > sc.WarnThreshold {
		if now.Before(s.warnTime) {
			return
		}
		s.warnCount++
		if s.warnCount <= sc.MaxWarn {
			final := s.warnCount == sc.MaxWarn
			s.log.Warn().Int("length", length).Int("threshold", sc.WarnThreshold).
				Int("warning", s.warnCount).Bool("final", final).Msg("queue too long")
			s.deliver("warning", s.notifier.QueueTooLong(ctx, sc.WarnThreshold, length, s.warnCount, final))
		}
		s.warnTime = now.Add(sc.WarnDelay)
		return
	}

	if s.warnCount > 0 {
		silenced := s.warnCount >= sc.MaxWarn
		s.log.Info().Int("length", length).Bool("silenced", silenced).Msg("queue length recovered")
		s.deliver("recovery", s.notifier.Recovery(ctx, sc.WarnThreshold, length, silenced))
		s.warnCount = 0
		s.warnTime = time.Time{}
	}
}

// ============================================================================
// 輔助函數
// ============================================================================

// fail 記錄一次被隔離的失敗
func (s *Scheduler) fail(stage string, err error, msg string) {
	s.counters.failures++
	if s.metrics != nil {
		s.metrics.RecordFailure(stage)
	}
	s.log.Error().Err(err).Str("stage", stage).Msg(msg)
}

// deliver 記錄通知結果；寄送失敗不影響迴圈
func (s *Scheduler) deliver(kind string, err error) {
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("notification delivery failed")
		return
	}
	if s.metrics != nil && len(s.notifier.Recipients()) > 0 {
		s.metrics.RecordNotification(kind)
	}
}
