// Package directory resolves addresses to accounts and verifies
// credentials. It only ever reads the account tables; provisioning is
// handled by the administrative layer.
package directory

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/masa23/mailhookd/model"
)

var (
	// ErrAuthFailed covers bad credentials, unknown addresses and
	// inactive accounts or domains alike, so callers cannot enumerate
	// addresses from the failure mode.
	ErrAuthFailed = errors.New("authentication failed")

	ErrRecipientNotFound = errors.New("recipient not found")
)

const (
	KindDirect = "direct"
	KindAlias  = "alias"
)

// Recipient is the result of resolving an envelope recipient address.
type Recipient struct {
	AccountID uint64
	Address   string
	Kind      string
}

type Directory struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Authenticate looks up an active account under an active domain and
// verifies the secret against the stored bcrypt hash.
func (d *Directory) Authenticate(address, secret string) (*model.Account, error) {
	account, err := d.activeAccountByAddress(address)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("account lookup: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(account.CredentialHash), []byte(secret)) != nil {
		return nil, ErrAuthFailed
	}

	return account, nil
}

// ResolveRecipient resolves a direct mailbox first, then an active alias
// forwarding to an active mailbox.
func (d *Directory) ResolveRecipient(address string) (*Recipient, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	account, err := d.activeAccountByAddress(address)
	if err == nil {
		return &Recipient{AccountID: account.ID, Address: account.EmailAddress, Kind: KindDirect}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account lookup: %w", err)
	}

	var alias model.Alias
	err = d.db.Where("alias_address = ? AND is_active = ?", address, true).First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}

	var target model.Account
	err = d.db.Where("id = ? AND is_active = ?", alias.TargetAccountID, true).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("alias target lookup: %w", err)
	}
	if _, err := d.activeDomain(target.DomainID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}

	return &Recipient{AccountID: target.ID, Address: target.EmailAddress, Kind: KindAlias}, nil
}

func (d *Directory) activeAccountByAddress(address string) (*model.Account, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	var account model.Account
	if err := d.db.Where("email_address = ? AND is_active = ?", address, true).First(&account).Error; err != nil {
		return nil, err
	}
	if _, err := d.activeDomain(account.DomainID); err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Directory) activeDomain(domainID uint64) (*model.Domain, error) {
	var domain model.Domain
	if err := d.db.Where("id = ? AND is_active = ?", domainID, true).First(&domain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("domain lookup: %w", err)
	}
	return &domain, nil
}
