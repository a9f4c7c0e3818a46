package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

// Storage 接口定义了代理数据持久化的行为。
type Storage interface {
	Load() (map[string]*model.ProxyRecord, error)
	Save(proxies map[string]*model.ProxyRecord) error
}

// JSONStorage 实现了 Storage 接口，使用 JSON 文件进行持久化。
type JSONStorage struct {
	filePath string
	mu       sync.Mutex
}

func NewJSONStorage(filePath string) *JSONStorage {
	return &JSONStorage{filePath: filePath}
}

// Load 从 JSON 文件加载代理数据到内存 map 中。文件不存在时返回空池。
func (s *JSONStorage) Load() (map[string]*model.ProxyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", s.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return make(map[string]*model.ProxyRecord), nil
		}
		return nil, err
	}

	var records []*model.ProxyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	pool := make(map[string]*model.ProxyRecord, len(records))
	for _, p := range records {
		pool[p.ID()] = p
	}

	l.Info().Int("count", len(pool)).Msg("Successfully loaded proxies from file.")
	return pool, nil
}

// Save 将内存中的代理 map 持久化到 JSON 文件。先写临时文件再重命名，
// 避免进程中断时留下半个文件。
func (s *JSONStorage) Save(proxies map[string]*model.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	records := make([]*model.ProxyRecord, 0, len(proxies))
	for _, p := range proxies {
		records = append(records, p)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return err
	}

	l.Debug().Int("count", len(records)).Msg("Successfully saved proxies to file.")
	return nil
}
