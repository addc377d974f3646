package model

type Domain struct {
	Model
	Name     string `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	IsActive bool   `gorm:"not null" json:"is_active"`
}

type Account struct {
	Model
	EmailAddress   string `gorm:"type:varchar(255);not null;uniqueIndex" json:"email_address"`
	DomainID       uint64 `gorm:"not null;index" json:"domain_id"`
	CredentialHash string `gorm:"type:varchar(255);not null" json:"-"`
	QuotaBytes     int64  `gorm:"not null;default:0" json:"quota_bytes"`
	UsedBytes      int64  `gorm:"not null;default:0" json:"used_bytes"`
	IsActive       bool   `gorm:"not null" json:"is_active"`
}

// Alias forwards mail for an address to another account's mailbox.
type Alias struct {
	Model
	AliasAddress    string `gorm:"type:varchar(255);not null;uniqueIndex" json:"alias_address"`
	TargetAccountID uint64 `gorm:"not null;index" json:"target_account_id"`
	IsActive        bool   `gorm:"not null" json:"is_active"`
}

const (
	FolderTypeInbox  = "inbox"
	FolderTypeSent   = "sent"
	FolderTypeDrafts = "drafts"
	FolderTypeTrash  = "trash"
	FolderTypeSpam   = "spam"
	FolderTypeCustom = "custom"
)

type Folder struct {
	Model
	AccountID uint64  `gorm:"not null;uniqueIndex:idx_account_folder" json:"account_id"`
	Name      string  `gorm:"type:varchar(255);not null;uniqueIndex:idx_account_folder" json:"name"`
	Type      string  `gorm:"type:varchar(32);not null" json:"type"`
	ParentID  *uint64 `json:"parent_id,omitempty"`
}

// FolderInbox is where inbound mail lands.
const FolderInbox = "INBOX"

// DefaultFolders is the fixed set created at account provisioning.
var DefaultFolders = []Folder{
	{Name: FolderInbox, Type: FolderTypeInbox},
	{Name: "Sent", Type: FolderTypeSent},
	{Name: "Drafts", Type: FolderTypeDrafts},
	{Name: "Trash", Type: FolderTypeTrash},
	{Name: "Spam", Type: FolderTypeSpam},
}
