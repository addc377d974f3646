// Package imapsession implements the imapserver.Session backend: the
// simplified IMAP read path over the account-scoped message rows.
package imapsession

import (
	"gorm.io/gorm"

	"github.com/masa23/mailhookd/config"
	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/objectstorage"
)

// Global variables initialized by the main function
var (
	db      *gorm.DB
	dir     *directory.Directory
	archive *objectstorage.Archive
	conf    *config.Config
)

func Init(database *gorm.DB, d *directory.Directory, arc *objectstorage.Archive, configuration *config.Config) {
	db = database
	dir = d
	archive = arc
	conf = configuration
}

type Session struct {
	accountID uint64
	username  string
	folder    string
}

func (s *Session) SupportsIMAP4rev2() bool {
	return false
}
