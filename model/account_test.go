package model

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Records created inactive must read back inactive; a column default
// would silently flip the stored value for zero-valued fields.
func TestInactiveRecordsPersistInactive(t *testing.T) {
	db := openTestDB(t)

	domain := Domain{Name: "example.com", IsActive: false}
	if err := db.Create(&domain).Error; err != nil {
		t.Fatalf("create domain: %v", err)
	}
	account := Account{
		EmailAddress:   "alice@example.com",
		DomainID:       domain.ID,
		CredentialHash: "x",
		IsActive:       false,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	alias := Alias{AliasAddress: "sales@example.com", TargetAccountID: account.ID, IsActive: false}
	if err := db.Create(&alias).Error; err != nil {
		t.Fatalf("create alias: %v", err)
	}

	var gotDomain Domain
	if err := db.First(&gotDomain, domain.ID).Error; err != nil {
		t.Fatalf("load domain: %v", err)
	}
	if gotDomain.IsActive {
		t.Error("domain stored as active")
	}
	var gotAccount Account
	if err := db.First(&gotAccount, account.ID).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	if gotAccount.IsActive {
		t.Error("account stored as active")
	}
	var gotAlias Alias
	if err := db.First(&gotAlias, alias.ID).Error; err != nil {
		t.Fatalf("load alias: %v", err)
	}
	if gotAlias.IsActive {
		t.Error("alias stored as active")
	}
}
