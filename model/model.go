package model

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/masa23/mailhookd/config"
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Domain{},
		&Account{},
		&Alias{},
		&Folder{},
		&Message{},
		&WebhookSubscription{},
		&WebhookDeliveryLog{},
	)
}

// Open connects to the configured database backend.
func Open(conf config.Database) (*gorm.DB, error) {
	gormConf := &gorm.Config{TranslateError: true}
	switch conf.Type {
	case "sqlite":
		return gorm.Open(sqlite.Open(conf.DSN), gormConf)
	default:
		return gorm.Open(mysql.Open(conf.DSN), gormConf)
	}
}

type Model struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:true" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
