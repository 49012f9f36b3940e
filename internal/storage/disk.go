package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/model"
	"chatrelay/pkg/logger"
)

const (
	conversationsDir = "conversations"
	messagesDir      = "messages"
	backupDir        = "backup"
	indexFile        = "conversations.json"
	usageFile        = "usage.json"
)

// DiskStorage keeps one JSON file per conversation and one per message list,
// plus an index and an append-only usage file. Recently used conversations
// are cached in memory.
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Conversation
	cacheSize int
}

type ConversationIndex struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Conversation),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.warmCache(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.dataDir)
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, conversationsDir),
		filepath.Join(d.dataDir, messagesDir),
		filepath.Join(d.dataDir, backupDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) warmCache() error {
	indexes, err := d.readIndex()
	if err != nil {
		return err
	}

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}

		conv, err := d.loadConversation(index.ID)
		if err != nil {
			logger.Errorf("Failed to load conversation %s: %v", index.ID, err)
			continue
		}

		d.cache[index.ID] = conv
	}

	return nil
}

func (d *DiskStorage) conversationPath(id string) string {
	return filepath.Join(d.dataDir, conversationsDir, id+".json")
}

func (d *DiskStorage) messagesPath(id string) string {
	return filepath.Join(d.dataDir, messagesDir, id+".json")
}

func (d *DiskStorage) loadConversation(id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := readJSON(d.conversationPath(id), &conv); err != nil {
		return nil, err
	}

	var messages []model.Message
	if err := readJSON(d.messagesPath(id), &messages); err != nil && !os.IsNotExist(err) {
		logger.Errorf("Failed to load messages for conversation %s: %v", id, err)
	}

	conv.Messages = messages
	return &conv, nil
}

// cached returns the conversation from cache or disk. Caller holds d.mu.
func (d *DiskStorage) cached(id string) (*model.Conversation, error) {
	if conv, exists := d.cache[id]; exists {
		return conv, nil
	}

	conv, err := d.loadConversation(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[id] = conv
	d.evictCache()
	return conv, nil
}

func (d *DiskStorage) saveConversation(conv *model.Conversation) error {
	meta := *conv
	meta.Messages = nil
	if err := writeJSON(d.conversationPath(conv.ID), meta); err != nil {
		return err
	}
	messages := conv.Messages
	if messages == nil {
		messages = []model.Message{}
	}
	return writeJSON(d.messagesPath(conv.ID), messages)
}

func (d *DiskStorage) CreateConversation(conv *model.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := cloneConversation(conv, true)
	if err := d.saveConversation(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.rebuildIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[conv.ID] = stored
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetConversation(conversationID string) (*model.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, err := d.cached(conversationID)
	if err != nil {
		return nil, err
	}
	return cloneConversation(conv, true), nil
}

func (d *DiskStorage) DeleteConversation(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.removeConversation(conversationID); err != nil {
		return err
	}
	return d.rebuildIndex()
}

// removeConversation deletes the files of one conversation. Caller holds d.mu
// and rebuilds the index afterwards.
func (d *DiskStorage) removeConversation(id string) error {
	if _, err := os.Stat(d.conversationPath(id)); os.IsNotExist(err) {
		return ErrConversationNotFound
	}

	if err := os.Remove(d.conversationPath(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := os.Remove(d.messagesPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, id)
	return nil
}

func (d *DiskStorage) ListConversations() ([]*model.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indexes, err := d.readIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	convs := make([]*model.Conversation, 0, len(indexes))
	for _, index := range indexes {
		convs = append(convs, &model.Conversation{
			ID:        index.ID,
			Title:     index.Title,
			Model:     index.Model,
			CreatedAt: index.CreatedAt,
			UpdatedAt: index.UpdatedAt,
		})
	}
	sortByUpdated(convs)

	return convs, nil
}

func (d *DiskStorage) DeleteIdleSince(cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	indexes, err := d.readIndex()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	removed, stale := 0, false
	for _, index := range indexes {
		if !index.UpdatedAt.Before(cutoff) {
			continue
		}
		stale = true
		if err := d.removeConversation(index.ID); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}

	if stale {
		if err := d.rebuildIndex(); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}
	return removed, nil
}

func (d *DiskStorage) AddMessage(conversationID string, message *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, err := d.cached(conversationID)
	if err != nil {
		return err
	}

	conv.Messages = append(conv.Messages, *message)
	conv.UpdatedAt = touchTime(message)

	if err := d.saveConversation(conv); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return d.rebuildIndex()
}

func (d *DiskStorage) GetMessages(conversationID string) ([]*model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, err := d.cached(conversationID)
	if err != nil {
		return nil, err
	}

	return messagePointers(conv.Messages), nil
}

func (d *DiskStorage) RecordUsage(record *model.UsageRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.readUsage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	records = append(records, *record)

	if err := writeJSON(filepath.Join(d.dataDir, usageFile), records); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) ListUsage(conversationID string) ([]*model.UsageRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records, err := d.readUsage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return filterUsage(records, conversationID), nil
}

func (d *DiskStorage) readUsage() ([]model.UsageRecord, error) {
	var records []model.UsageRecord
	if err := readJSON(filepath.Join(d.dataDir, usageFile), &records); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return records, nil
}

func (d *DiskStorage) readIndex() ([]*ConversationIndex, error) {
	var indexes []*ConversationIndex
	if err := readJSON(filepath.Join(d.dataDir, indexFile), &indexes); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return indexes, nil
}

// rebuildIndex rewrites the index from the conversation files on disk.
func (d *DiskStorage) rebuildIndex() error {
	files, err := os.ReadDir(filepath.Join(d.dataDir, conversationsDir))
	if err != nil {
		return err
	}

	indexes := []*ConversationIndex{}
	for _, file := range files {
		name := file.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		var conv model.Conversation
		if err := readJSON(filepath.Join(d.dataDir, conversationsDir, name), &conv); err != nil {
			logger.Errorf("Failed to read conversation %s for index update: %v", name, err)
			continue
		}

		indexes = append(indexes, &ConversationIndex{
			ID:        conv.ID,
			Title:     conv.Title,
			Model:     conv.Model,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		})
	}

	return writeJSON(filepath.Join(d.dataDir, indexFile), indexes)
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	entries := make([]cacheEntry, 0, len(d.cache))
	for id, conv := range d.cache {
		entries = append(entries, cacheEntry{id: id, updatedAt: conv.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict; i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Conversation)
	return nil
}

// Backup copies the conversation and message files plus the index and usage
// ledger into backup/backup_<unix>.
func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	target := filepath.Join(d.dataDir, backupDir, fmt.Sprintf("backup_%d", time.Now().UnixNano()))

	for _, dir := range []string{conversationsDir, messagesDir} {
		dst := filepath.Join(target, dir)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
		if err := copyDir(filepath.Join(d.dataDir, dir), dst); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	for _, name := range []string{indexFile, usageFile} {
		err := copyFile(filepath.Join(d.dataDir, name), filepath.Join(target, name))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	logger.Infof("Backup completed: %s", target)
	return nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || strings.HasSuffix(file.Name(), ".tmp") {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes through a temp file and rename so readers never see a
// partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}
