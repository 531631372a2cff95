// Package journal 提供基于 JSON Lines 文件的轮次仓库，供 memory 存储驱动使用。
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/storage"
)

const (
	fileName          = "turns.log"
	defaultMaxRecords = 512
)

// TurnJournal 以追加写的方式记录轮次，并在内存中保留最近的若干条用于查询。
type TurnJournal struct {
	mu         sync.RWMutex
	dataFile   string
	maxRecords int
	records    []storage.TurnRecord // 按时间倒序
}

// Open 在 dataDir 下创建或恢复轮次日志。maxRecords 小于等于 0 时使用默认值。
func Open(dataDir string, maxRecords int) (*TurnJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	j := &TurnJournal{dataFile: filepath.Join(dataDir, fileName), maxRecords: maxRecords}
	if err := j.loadFromDisk(); err != nil {
		return nil, err
	}
	return j, nil
}

// SaveTurn 追加一条轮次记录。
func (j *TurnJournal) SaveTurn(_ context.Context, record storage.TurnRecord) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "turn id is required")
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化轮次记录失败")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开轮次日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次日志失败")
	}

	j.records = append([]storage.TurnRecord{record}, j.records...)
	if len(j.records) > j.maxRecords {
		j.records = j.records[:j.maxRecords]
	}
	return nil
}

// ListRecent 返回会话最近的若干条轮次，按时间倒序排列。
func (j *TurnJournal) ListRecent(_ context.Context, conversationID string, limit int) ([]storage.TurnRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []storage.TurnRecord
	for _, rec := range j.records {
		if conversationID != "" && rec.ConversationID != conversationID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len 返回内存中保留的记录数。
func (j *TurnJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

func (j *TurnJournal) loadFromDisk() error {
	file, err := os.OpenFile(j.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取轮次日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []storage.TurnRecord
	for scanner.Scan() {
		var record storage.TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			// 跳过损坏的行，例如进程崩溃时写了一半的记录。
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("%s: %w", j.dataFile, err), "解析轮次日志失败")
	}

	// 文件按写入顺序保存，内存中按时间倒序。
	for l, r := 0, len(restored)-1; l < r; l, r = l+1, r-1 {
		restored[l], restored[r] = restored[r], restored[l]
	}
	if len(restored) > j.maxRecords {
		restored = restored[:j.maxRecords]
	}
	j.records = restored
	return nil
}

var _ storage.TurnRepository = (*TurnJournal)(nil)
