package main

// ============================================================================
// 職責說明：
// 1. 以記憶體 inbox 在單一 process 內展示排程迴圈
// 2. start：送入告警與命令，checkpoint 到 SQLite 後停止（模擬 crash）
// 3. recover：從 checkpoint 恢復隊列，看剩下的項目繼續執行
//
//   go run ./cmd/demo start
//   go run ./cmd/demo recover
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/commands"
	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/ChuLiYu/alertqueue/internal/controller"
	"github.com/ChuLiYu/alertqueue/internal/inbox"
	"github.com/ChuLiYu/alertqueue/internal/notify"
	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/internal/snapshot"
	"github.com/rs/zerolog"
)

const checkpointFile = "demo-checkpoint.db"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string) error {
	dir := filepath.Join(os.TempDir(), "alertqueue-demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Scheduler.Sleep = 50 * time.Millisecond
	cfg.General.LogLevel = "info"
	if mode == "recover" {
		cfg.Scheduler.Restore = checkpointFile
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	reg, err := commands.Default()
	if err != nil {
		return err
	}
	ch := inbox.NewMemory(64)
	defer ch.Close()
	snaps := &snapshot.Files{Dir: dir, Retention: 3}
	defer snaps.Close()
	mailer := &notify.Recorder{}

	sched, err := controller.New(controller.Options{
		Config:    cfg,
		Inbox:     ch,
		Registry:  reg,
		Mailer:    mailer,
		Snapshots: snaps,
		Log:       log,
		SdNotify:  func(string) (bool, error) { return false, nil },
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	switch mode {
	case "start":
		if err := feed(ch, reg); err != nil {
			return err
		}
		fmt.Println("✓ Sent 3 alerts and 3 commands")
		wait(ctx, 6*time.Second, sched)
		fmt.Printf("\n💾 Checkpoint written to %s\n", filepath.Join(dir, checkpointFile))
		fmt.Println("💡 Run 'go run ./cmd/demo recover' to finish the remaining tasks")
	case "recover":
		st := sched.Status()
		fmt.Printf("\n📊 Recovered queue: %d items, graceids=%v\n", st.QueueLength, st.GraceIDs)
		wait(ctx, 6*time.Second, sched)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	cancel()
	if err := <-done; err != nil {
		return err
	}
	fmt.Printf("\n📧 %d operator notifications recorded\n", len(mailer.Messages()))
	return nil
}

// feed 送入三個告警：G2 隨即被 clearGraceID 清掉，其餘在 5s 後 checkpoint
func feed(ch *inbox.Memory, reg *commands.Registry) error {
	now := time.Now()
	for _, gid := range []string{"G1", "G2", "G3"} {
		if err := ch.Send(fmt.Sprintf(`{"uid":%q,"alert_type":"new","object":{"far":1e-7}}`, gid), now); err != nil {
			return err
		}
	}

	cmds := []struct {
		name   string
		params queue.Params
	}{
		{"printMessage", queue.Params{"message": "demo started"}},
		{"clearGraceID", queue.Params{"graceid": "G2", "sleep": 1}},
		{"checkpointQueue", queue.Params{"filename": checkpointFile, "sleep": 5.5}},
	}
	for _, c := range cmds {
		cmd, err := reg.New(c.name, c.params)
		if err != nil {
			return err
		}
		payload, err := reg.Encode(cmd)
		if err != nil {
			return err
		}
		if err := ch.Send(string(payload), now); err != nil {
			return err
		}
	}
	return nil
}

// wait 每秒印一次狀態
func wait(ctx context.Context, d time.Duration, sched *controller.Scheduler) {
	deadline := time.After(d)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-tick.C:
			st := sched.Status()
			fmt.Printf("📊 queue=%d complete=%d graceids=%v executed=%d\n",
				st.QueueLength, st.CompleteCount, st.GraceIDs, st.Executed)
		}
	}
}
