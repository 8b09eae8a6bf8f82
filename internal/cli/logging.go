package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/config"
	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05.000"

// parseLevel 解析 log_level，空值或無效值回傳 def
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return def
	}
	return lvl
}

// newLogger 建立根 logger：
//   - 檔案：<log_directory>/<process_type>_<config>.log
//   - 終端：print_to_stdout 為 true 時加入 ConsoleWriter
//
// 回傳的 io.Closer 負責關閉日誌檔。
func newLogger(cfg *config.Config, console io.Writer) (zerolog.Logger, io.Closer, error) {
	path := cfg.LogFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %q: %w", path, err)
	}

	writers := []io.Writer{zerolog.SyncWriter(f)}
	if cfg.General.PrintToStdout {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: consoleTimeFormat})
	}

	lvl := parseLevel(cfg.General.LogLevel, zerolog.DebugLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Str("process_type", cfg.General.ProcessType).
		Logger()
	return log, f, nil
}
