package model

import (
	"time"
)

type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	SizeBytes     int64  `json:"size_bytes"`
	ContentBase64 string `json:"content_base64,omitempty"`
}

type Message struct {
	Model
	MessageID string `gorm:"type:varchar(512);not null;uniqueIndex:idx_account_message" json:"message_id"`
	AccountID uint64 `gorm:"not null;uniqueIndex:idx_account_message;index:idx_account_folder_msg" json:"account_id"`
	Folder    string `gorm:"type:varchar(255);not null;index:idx_account_folder_msg" json:"folder"`

	From        string       `gorm:"column:from_address;type:text;not null" json:"from"`
	To          []string     `gorm:"column:to_addresses;type:json;serializer:json;not null" json:"to"`
	Cc          []string     `gorm:"column:cc_addresses;type:json;serializer:json;not null" json:"cc"`
	Bcc         []string     `gorm:"column:bcc_addresses;type:json;serializer:json;not null" json:"bcc"`
	Subject     string       `gorm:"type:text;not null" json:"subject"`
	TextBody    string       `gorm:"type:text;not null" json:"text_body"`
	HTMLBody    string       `gorm:"type:text;not null" json:"html_body"`
	Attachments []Attachment `gorm:"type:json;serializer:json;not null" json:"attachments"`

	SizeBytes  int64     `gorm:"not null" json:"size_bytes"`
	IsRead     bool      `gorm:"not null;default:false" json:"is_read"`
	IsDeleted  bool      `gorm:"not null;default:false" json:"is_deleted"`
	ReceivedAt time.Time `gorm:"not null;index" json:"received_at"`

	// ArchiveKey points at the raw message in object storage, empty when
	// archiving is disabled. Recipient copies of one transmission share it.
	ArchiveKey string `gorm:"type:varchar(512);not null;default:''" json:"archive_key"`
}
