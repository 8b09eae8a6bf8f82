package snapshot

// ============================================================================
// Snapshot 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/alertqueue/internal/queue"
	"github.com/ChuLiYu/alertqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(n int) types.SnapshotData {
	exp := time.Unix(1000, 0).UTC()
	data := types.SnapshotData{
		TakenAt:   time.Unix(900, 0).UTC(),
		ByGraceID: make(map[string][]types.ItemRecord),
	}
	for i := 0; i < n; i++ {
		rec := types.ItemRecord{
			ID:      fmt.Sprintf("item-%03d", i),
			Name:    "alert",
			GraceID: fmt.Sprintf("G%d", i%3),
			T0:      time.Unix(int64(800+i), 0).UTC(),
			Tasks: []types.TaskRecord{{
				Name:       "printAlert",
				Timeout:    5 * time.Second,
				Expiration: &exp,
				Params:     map[string]any{"message": "hello"},
			}},
		}
		data.Queue = append(data.Queue, rec)
		data.ByGraceID[rec.GraceID] = append(data.ByGraceID[rec.GraceID], rec)
	}
	return data
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleData(3)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)
	assert.True(t, original.TakenAt.Equal(loaded.TakenAt))
	require.Len(t, loaded.Queue, 3)
	assert.Equal(t, "item-001", loaded.Queue[1].ID)
	assert.Equal(t, "G1", loaded.Queue[1].GraceID)
	require.NotNil(t, loaded.Queue[1].Tasks[0].Expiration)
	assert.True(t, loaded.Queue[1].Tasks[0].Expiration.Equal(time.Unix(1000, 0)))
	assert.Equal(t, 5*time.Second, loaded.Queue[1].Tasks[0].Timeout)
	assert.Equal(t, "hello", loaded.Queue[1].Tasks[0].Params["message"])
	assert.Len(t, loaded.ByGraceID, 3)
}

// TestWriteNilCollections 空集合也要能寫入
func TestWriteNilCollections(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nested", "empty.json"))
	require.NoError(t, manager.Write(types.SnapshotData{}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Queue)
	assert.NotNil(t, loaded.ByGraceID)
	assert.Empty(t, loaded.Queue)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(1)))

	// 並發測試：在寫入新快照時同時讀取
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(5)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 驗證：應該讀到完整的快照（舊的或新的），不會是半成品
	n := len(loaded.Queue)
	assert.True(t, n == 1 || n == 5, "should load either old or new snapshot, got %d items", n)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(sampleData(0)))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestLoadMissing 快照不存在時回傳 ErrSnapshotNotFound
func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.ErrorContains(t, err, "non_existent_snapshot.json")
}

// TestVersionMismatch 測試版本不相容
// Dump 的輸出不經 Write 直接落盤，也必須能被 Load 接受
func TestLoadAcceptsIndexDump(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "dump.json")
	idx := queue.NewIndex()
	task := queue.NewTask("printAlert", "", time.Second, nil, nil)
	require.NoError(t, idx.Insert(queue.NewItem("alert", "", time.Unix(1000, 0), "G1", task)))

	jsonBytes, err := json.Marshal(idx.Dump(time.Unix(1001, 0)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	loaded, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Queue, 1)
	assert.Equal(t, "G1", loaded.Queue[0].GraceID)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	// 手動建立版本號為 2 的快照
	invalid := sampleData(1)
	invalid.SchemaVer = types.SnapshotSchemaVersion + 1
	jsonBytes, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	// 寫入無效的 JSON（半截斷）
	corrupted := `{"schema_ver": 1, "queue": [{"id": "item-001", "name": "alert"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 目標是目錄時寫入失敗
func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(dir)

	assert.Error(t, manager.Write(sampleData(1)))
}

// ============================================================================
// SQLite
// ============================================================================

func TestSQLiteWriteAndLoadLatest(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"), 2)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	for _, n := range []int{1, 2, 3} {
		require.NoError(t, store.Write(sampleData(n)))
	}

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Queue, 3)
	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)

	// 只保留最近 retention 筆
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.sqlite")
	store, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	require.NoError(t, store.Write(sampleData(4)))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path, 0)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Queue, 4)
	assert.Len(t, loaded.ByGraceID["G0"], 2)
}

// ============================================================================
// Files
// ============================================================================

func TestFilesSelectsStoreByExtension(t *testing.T) {
	files := &Files{Dir: t.TempDir()}
	defer files.Close()

	jsonStore, err := files.Open("queue.json")
	require.NoError(t, err)
	assert.IsType(t, &Manager{}, jsonStore)

	dbStore, err := files.Open("queue.db")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, dbStore)

	again, err := files.Open("queue.db")
	require.NoError(t, err)
	assert.Same(t, dbStore, again)
	assert.Equal(t, filepath.Join(files.Dir, "queue.db"), dbStore.Path())
}

func TestFilesRoundTrip(t *testing.T) {
	files := &Files{Dir: t.TempDir()}
	defer files.Close()

	for _, name := range []string{"checkpoint.json", "checkpoint.db"} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, files.Write(name, sampleData(2)))
			loaded, err := files.Load(name)
			require.NoError(t, err)
			assert.Len(t, loaded.Queue, 2)
		})
	}

	_, err := files.Load("missing.json")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// ============================================================================
// 效能測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	data := sampleData(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	_ = manager.Write(sampleData(1000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}
