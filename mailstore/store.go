// Package mailstore persists messages and their per-account read and
// delete state. The unique (account_id, message_id) index is what makes
// inbound re-delivery idempotent; there is no other locking.
package mailstore

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/masa23/mailhookd/model"
)

var (
	// ErrDuplicateMessage means this (account, messageId) pair was
	// already delivered.
	ErrDuplicateMessage = errors.New("duplicate message")

	ErrNotFound = errors.New("message not found")
)

const defaultListLimit = 50

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save inserts one message row. Re-delivery of the same messageId to the
// same account fails with ErrDuplicateMessage.
func (s *Store) Save(msg *model.Message) (uint64, error) {
	if err := s.db.Create(msg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, ErrDuplicateMessage
		}
		return 0, fmt.Errorf("save message: %w", err)
	}
	return msg.ID, nil
}

// List returns non-deleted messages in a folder, newest first.
func (s *Store) List(accountID uint64, folder string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var messages []model.Message
	err := s.db.
		Where("account_id = ? AND folder = ? AND is_deleted = ?", accountID, folder, false).
		Order("received_at DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) Get(id, accountID uint64) (*model.Message, error) {
	var msg model.Message
	err := s.db.Where("id = ? AND account_id = ? AND is_deleted = ?", id, accountID, false).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// SetRead flips the read flag and reports whether a row was affected.
func (s *Store) SetRead(id, accountID uint64, value bool) (bool, error) {
	res := s.db.Model(&model.Message{}).
		Where("id = ? AND account_id = ? AND is_deleted = ?", id, accountID, false).
		Update("is_read", value)
	if res.Error != nil {
		return false, fmt.Errorf("set read: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SoftDelete tombstones a message; it is excluded from every read path
// afterwards but never physically removed here.
func (s *Store) SoftDelete(id, accountID uint64) (bool, error) {
	res := s.db.Model(&model.Message{}).
		Where("id = ? AND account_id = ? AND is_deleted = ?", id, accountID, false).
		Update("is_deleted", true)
	if res.Error != nil {
		return false, fmt.Errorf("soft delete: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) Move(id, accountID uint64, targetFolder string) (bool, error) {
	res := s.db.Model(&model.Message{}).
		Where("id = ? AND account_id = ? AND is_deleted = ?", id, accountID, false).
		Update("folder", targetFolder)
	if res.Error != nil {
		return false, fmt.Errorf("move message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Search runs the admin free-text search over subject, sender and
// recipient addresses.
func (s *Store) Search(accountID uint64, query string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	pattern := "%" + query + "%"

	var messages []model.Message
	err := s.db.
		Where("account_id = ? AND is_deleted = ?", accountID, false).
		Where("subject LIKE ? OR from_address LIKE ? OR to_addresses LIKE ?", pattern, pattern, pattern).
		Order("received_at DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return messages, nil
}

// CountByFolder counts non-deleted messages, the EXISTS number of an
// IMAP SELECT.
func (s *Store) CountByFolder(accountID uint64, folder string) (int64, error) {
	var count int64
	err := s.db.Model(&model.Message{}).
		Where("account_id = ? AND folder = ? AND is_deleted = ?", accountID, folder, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// CountUnread counts non-deleted unread messages in a folder.
func (s *Store) CountUnread(accountID uint64, folder string) (int64, error) {
	var count int64
	err := s.db.Model(&model.Message{}).
		Where("account_id = ? AND folder = ? AND is_deleted = ? AND is_read = ?", accountID, folder, false, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *Store) ListFolders(accountID uint64) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.Where("account_id = ?", accountID).Order("type, name").Find(&folders).Error
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

func (s *Store) GetFolder(accountID uint64, name string) (*model.Folder, error) {
	var folder model.Folder
	err := s.db.Where("account_id = ? AND name = ?", accountID, name).First(&folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return &folder, nil
}

// EnsureDefaultFolders creates the fixed folder set for an account.
// Provisioning owns this in production; tests and setup tooling call it
// directly.
func (s *Store) EnsureDefaultFolders(accountID uint64) error {
	for _, f := range model.DefaultFolders {
		folder := model.Folder{AccountID: accountID, Name: f.Name, Type: f.Type}
		if err := s.db.Where("account_id = ? AND name = ?", accountID, f.Name).
			FirstOrCreate(&folder).Error; err != nil {
			return fmt.Errorf("ensure folder %s: %w", f.Name, err)
		}
	}
	return nil
}

// ListDeliveryLogs returns webhook delivery outcomes for a subscription,
// newest first.
func (s *Store) ListDeliveryLogs(webhookID uint64, limit, offset int) ([]model.WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var logs []model.WebhookDeliveryLog
	err := s.db.Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	return logs, nil
}
