package mailstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/masa23/mailhookd/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := model.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func testMessage(accountID uint64, messageID string, receivedAt time.Time) *model.Message {
	return &model.Message{
		MessageID:  messageID,
		AccountID:  accountID,
		Folder:     "INBOX",
		From:       "sender@example.com",
		To:         []string{"user@example.com"},
		Cc:         []string{},
		Bcc:        []string{},
		Subject:    "hello",
		TextBody:   "body",
		SizeBytes:  128,
		ReceivedAt: receivedAt,
	}
}

func TestSaveAndGet(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Save(testMessage(1, "<m1@example.com>", time.Now()))
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}

	msg, err := store.Get(id, 1)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if msg.Subject != "hello" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if len(msg.To) != 1 || msg.To[0] != "user@example.com" {
		t.Errorf("To = %v", msg.To)
	}

	if _, err := store.Get(id, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get with wrong account = %v, want ErrNotFound", err)
	}
}

func TestSaveDuplicate(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Save(testMessage(1, "<dup@example.com>", time.Now())); err != nil {
		t.Fatalf("first Save() = %v", err)
	}

	_, err := store.Save(testMessage(1, "<dup@example.com>", time.Now()))
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("second Save() = %v, want ErrDuplicateMessage", err)
	}

	count, err := store.CountByFolder(1, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("CountByFolder = %d, want 1", count)
	}

	// Same messageId for a different account is a distinct copy.
	if _, err := store.Save(testMessage(2, "<dup@example.com>", time.Now())); err != nil {
		t.Errorf("Save for other account = %v", err)
	}
}

func TestListOrderAndTombstones(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := store.Save(testMessage(1, fmt.Sprintf("<m%d@example.com>", i), base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	changed, err := store.SoftDelete(ids[1], 1)
	if err != nil || !changed {
		t.Fatalf("SoftDelete = (%v, %v)", changed, err)
	}

	messages, err := store.List(1, "INBOX", 10, 0)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("List() returned %d messages, want 2", len(messages))
	}
	// Newest first, tombstoned row excluded.
	if messages[0].ID != ids[2] || messages[1].ID != ids[0] {
		t.Errorf("List order = [%d %d], want [%d %d]", messages[0].ID, messages[1].ID, ids[2], ids[0])
	}
}

func TestSetReadReportsChange(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Save(testMessage(1, "<m@example.com>", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	changed, err := store.SetRead(id, 1, true)
	if err != nil {
		t.Fatalf("SetRead() = %v", err)
	}
	if !changed {
		t.Error("SetRead() = false, want true")
	}

	// No matching row is not an error, just no change.
	changed, err = store.SetRead(9999, 1, true)
	if err != nil {
		t.Fatalf("SetRead(missing) = %v", err)
	}
	if changed {
		t.Error("SetRead(missing) = true, want false")
	}
}

func TestMove(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Save(testMessage(1, "<m@example.com>", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	changed, err := store.Move(id, 1, "Trash")
	if err != nil || !changed {
		t.Fatalf("Move = (%v, %v)", changed, err)
	}

	msg, err := store.Get(id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Folder != "Trash" {
		t.Errorf("Folder = %q, want Trash", msg.Folder)
	}

	if changed, _ := store.Move(id, 2, "Spam"); changed {
		t.Error("Move with wrong account reported a change")
	}
}

func TestCounts(t *testing.T) {
	store := openTestStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := testMessage(1, fmt.Sprintf("<c%d@example.com>", i), base)
		msg.IsRead = i < 2
		if _, err := store.Save(msg); err != nil {
			t.Fatal(err)
		}
	}

	total, err := store.CountByFolder(1, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("CountByFolder = %d, want 5", total)
	}

	unread, err := store.CountUnread(1, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if unread != 3 {
		t.Errorf("CountUnread = %d, want 3", unread)
	}
}

func TestSearch(t *testing.T) {
	store := openTestStore(t)

	invoice := testMessage(1, "<s1@example.com>", time.Now())
	invoice.Subject = "Invoice 2025-06"
	if _, err := store.Save(invoice); err != nil {
		t.Fatal(err)
	}
	other := testMessage(1, "<s2@example.com>", time.Now())
	other.Subject = "lunch"
	other.From = "billing@vendor.example"
	if _, err := store.Save(other); err != nil {
		t.Fatal(err)
	}

	bySubject, err := store.Search(1, "Invoice", 10, 0)
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if len(bySubject) != 1 || bySubject[0].MessageID != "<s1@example.com>" {
		t.Errorf("Search by subject = %v", bySubject)
	}

	byFrom, err := store.Search(1, "billing@", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byFrom) != 1 || byFrom[0].MessageID != "<s2@example.com>" {
		t.Errorf("Search by sender = %v", byFrom)
	}
}

func TestEnsureDefaultFolders(t *testing.T) {
	store := openTestStore(t)

	if err := store.EnsureDefaultFolders(1); err != nil {
		t.Fatalf("EnsureDefaultFolders() = %v", err)
	}
	// Idempotent.
	if err := store.EnsureDefaultFolders(1); err != nil {
		t.Fatalf("second EnsureDefaultFolders() = %v", err)
	}

	folders, err := store.ListFolders(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != len(model.DefaultFolders) {
		t.Errorf("ListFolders returned %d folders, want %d", len(folders), len(model.DefaultFolders))
	}

	inbox, err := store.GetFolder(1, "INBOX")
	if err != nil {
		t.Fatalf("GetFolder(INBOX) = %v", err)
	}
	if inbox.Type != model.FolderTypeInbox {
		t.Errorf("INBOX type = %q", inbox.Type)
	}
}
