package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點，所有邏輯在 internal/cli
// 2. 處理頂層 panic recovery
//
//   go build -o bin/alertqueue ./cmd/alertqueue
//   ./bin/alertqueue run -c configs/alertqueue.yaml
//   go build -ldflags "-X github.com/ChuLiYu/alertqueue/internal/cli.Version=1.0.0" ./cmd/alertqueue
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/alertqueue/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	os.Exit(cli.Execute())
}
