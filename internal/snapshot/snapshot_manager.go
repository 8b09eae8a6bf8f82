package snapshot

// ============================================================================
// 職責說明：
// 1. 將全域隊列與 graceid 映射序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供 checkpointQueue / loadQueue 命令與啟動恢復使用
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Store 單一快照位置
type Store interface {
	Write(data types.SnapshotData) error
	Load() (types.SnapshotData, error)
	Path() string
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager JSON 檔案快照（原子寫入）
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = types.SnapshotSchemaVersion
	normalize(&data)

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return decode(jsonBytes)
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 取得快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// decode 反序列化並驗證版本
func decode(raw []byte) (types.SnapshotData, error) {
	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != types.SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.SnapshotSchemaVersion)
	}
	normalize(&data)
	return data, nil
}

// normalize 確保兩個集合不為 nil
func normalize(data *types.SnapshotData) {
	if data.Queue == nil {
		data.Queue = []types.ItemRecord{}
	}
	if data.ByGraceID == nil {
		data.ByGraceID = make(map[string][]types.ItemRecord)
	}
}
