package tsdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dushixiang/lynx/internal/protocol"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	spoolBucket      = "metrics_spool"
	spoolOpenTimeout = 2 * time.Second
)

// Spool 降级期间的磁盘暂存。后端写入失败的快照按序落盘，恢复后按原顺序重放。
// 数据库按需打开，不长期占用文件锁。
type Spool struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
}

func NewSpool(logger *zap.Logger, path string) *Spool {
	return &Spool{logger: logger, path: path}
}

func (s *Spool) Append(snap *protocol.MetricSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化暂存快照失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(spoolBucket))
		if err != nil {
			return fmt.Errorf("创建暂存桶失败: %w", err)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("获取暂存序列失败: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := bucket.Put(key, payload); err != nil {
			return fmt.Errorf("写入暂存失败: %w", err)
		}
		return nil
	})
}

// Flush 依次重放暂存快照，send 失败即停止，剩余数据留待下次
func (s *Spool) Flush(send func(*protocol.MetricSnapshot) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 文件不存在说明从未降级过，不要在这里把库建出来
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return 0, nil
	}

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var (
		sent    int
		sendErr error
	)
	if err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var snap protocol.MetricSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				s.logger.Warn("暂存快照解析失败，已跳过", zap.Error(err))
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("删除损坏暂存失败: %w", err)
				}
				continue
			}

			if err := send(&snap); err != nil {
				sendErr = err
				break
			}

			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("删除已重放暂存失败: %w", err)
			}
			sent++
		}
		return nil
	}); err != nil {
		return sent, err
	}
	return sent, sendErr
}

// Pending 当前积压的快照数
func (s *Spool) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return 0, nil
	}

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

func (s *Spool) openDB() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("创建暂存目录失败: %w", err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: spoolOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("打开暂存数据库失败: %w", err)
	}
	return db, nil
}
