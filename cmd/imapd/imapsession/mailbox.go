package imapsession

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/masa23/mailhookd/model"
)

var errNotAuthenticated = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Text: "Not authenticated",
}

// folderByName resolves a folder name for the session's account. INBOX
// matching is case-insensitive per RFC 3501.
func (s *Session) folderByName(name string) (*model.Folder, error) {
	if strings.EqualFold(name, model.FolderInbox) {
		name = model.FolderInbox
	}
	var folder model.Folder
	if err := db.Where("account_id = ? AND name = ?", s.accountID, name).First(&folder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: "Mailbox does not exist",
			}
		}
		return nil, fmt.Errorf("error finding mailbox: %w", err)
	}
	return &folder, nil
}

func (s *Session) folderCounts(name string) (total, unseen int64, err error) {
	if err := db.Model(&model.Message{}).Where(
		"account_id = ? AND folder = ? AND is_deleted = ?",
		s.accountID, name, false,
	).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := db.Model(&model.Message{}).Where(
		"account_id = ? AND folder = ? AND is_deleted = ? AND is_read = ?",
		s.accountID, name, false, false,
	).Count(&unseen).Error; err != nil {
		return 0, 0, err
	}
	return total, unseen, nil
}

// uidNext assumes UID = row ID, which holds for an auto-increment key.
func (s *Session) uidNext(name string) (imap.UID, error) {
	var last model.Message
	err := db.Where("account_id = ? AND folder = ?", s.accountID, name).
		Order("id DESC").First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return imap.UID(last.ID + 1), nil
}

// List implements the IMAP LIST command
func (s *Session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}

	var folders []model.Folder
	if err := db.Where("account_id = ?", s.accountID).Order("id").Find(&folders).Error; err != nil {
		return err
	}

	// A fresh account may not have been delivered to yet.
	if len(folders) == 0 {
		return w.WriteList(&imap.ListData{
			Attrs:   []imap.MailboxAttr{imap.MailboxAttrHasNoChildren},
			Delim:   '/',
			Mailbox: model.FolderInbox,
		})
	}

	for _, folder := range folders {
		if err := w.WriteList(&imap.ListData{
			Attrs:   []imap.MailboxAttr{imap.MailboxAttrHasNoChildren},
			Delim:   '/',
			Mailbox: folder.Name,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Select implements the IMAP SELECT command
func (s *Session) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	if s.accountID == 0 {
		return nil, errNotAuthenticated
	}

	name := mailbox
	if strings.EqualFold(mailbox, model.FolderInbox) {
		name = model.FolderInbox
	} else if _, err := s.folderByName(mailbox); err != nil {
		return nil, err
	}

	total, _, err := s.folderCounts(name)
	if err != nil {
		return nil, err
	}
	uidNext, err := s.uidNext(name)
	if err != nil {
		return nil, err
	}

	s.folder = name

	data := &imap.SelectData{
		Flags: []imap.Flag{
			imap.FlagSeen, imap.FlagDeleted, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDraft,
		},
		PermanentFlags: []imap.Flag{
			imap.FlagSeen, imap.FlagDeleted,
		},
		NumMessages: uint32(total),
		UIDNext:     uidNext,
		UIDValidity: 1,
	}
	return data, nil
}

// Create implements the IMAP CREATE command
func (s *Session) Create(mailbox string, options *imap.CreateOptions) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}
	if mailbox == "" {
		return &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "Mailbox name cannot be empty",
		}
	}

	folder := model.Folder{
		AccountID: s.accountID,
		Name:      mailbox,
		Type:      model.FolderTypeCustom,
	}
	if err := db.Create(&folder).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: "Mailbox already exists",
			}
		}
		return fmt.Errorf("error creating mailbox: %w", err)
	}
	return nil
}

// Delete implements the IMAP DELETE command. Default folders cannot be
// removed.
func (s *Session) Delete(mailbox string) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}

	folder, err := s.folderByName(mailbox)
	if err != nil {
		return err
	}
	if folder.Type != model.FolderTypeCustom {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Cannot delete a default mailbox",
		}
	}
	if err := db.Delete(folder).Error; err != nil {
		return fmt.Errorf("error deleting mailbox: %w", err)
	}

	// Messages in the deleted folder become tombstoned.
	if err := db.Model(&model.Message{}).Where(
		"account_id = ? AND folder = ?", s.accountID, folder.Name,
	).Update("is_deleted", true).Error; err != nil {
		return fmt.Errorf("error tombstoning messages: %w", err)
	}
	return nil
}

// Rename implements the IMAP RENAME command
func (s *Session) Rename(mailbox, newName string) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}
	if mailbox == "" || newName == "" {
		return &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "Mailbox name and new name cannot be empty",
		}
	}

	folder, err := s.folderByName(mailbox)
	if err != nil {
		return err
	}
	if folder.Type != model.FolderTypeCustom {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Cannot rename a default mailbox",
		}
	}

	oldName := folder.Name
	return db.Transaction(func(tx *gorm.DB) error {
		var existing model.Folder
		err := tx.Where("account_id = ? AND name = ?", s.accountID, newName).First(&existing).Error
		if err == nil {
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: "A mailbox with the new name already exists",
			}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error checking existing mailbox: %w", err)
		}

		folder.Name = newName
		if err := tx.Save(folder).Error; err != nil {
			return fmt.Errorf("error renaming mailbox: %w", err)
		}
		if err := tx.Model(&model.Message{}).Where(
			"account_id = ? AND folder = ?", s.accountID, oldName,
		).Update("folder", newName).Error; err != nil {
			return fmt.Errorf("error moving messages: %w", err)
		}
		return nil
	})
}

// Subscribe implements the IMAP SUBSCRIBE command
func (s *Session) Subscribe(mailbox string) error {
	return nil
}

// Unsubscribe implements the IMAP UNSUBSCRIBE command
func (s *Session) Unsubscribe(mailbox string) error {
	return nil
}

// Status implements the IMAP STATUS command
func (s *Session) Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	if s.accountID == 0 {
		return nil, errNotAuthenticated
	}

	name := mailbox
	if strings.EqualFold(mailbox, model.FolderInbox) {
		name = model.FolderInbox
	} else if _, err := s.folderByName(mailbox); err != nil {
		return nil, err
	}

	total, unseen, err := s.folderCounts(name)
	if err != nil {
		return nil, err
	}
	uidNext, err := s.uidNext(name)
	if err != nil {
		return nil, err
	}

	numMessages := uint32(total)
	numUnseen := uint32(unseen)
	return &imap.StatusData{
		Mailbox:     mailbox,
		NumMessages: &numMessages,
		NumUnseen:   &numUnseen,
		UIDNext:     uidNext,
		UIDValidity: 1,
	}, nil
}
