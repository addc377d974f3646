package imapsession

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/masa23/mailhookd/config"
	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/mailstore"
	"github.com/masa23/mailhookd/model"
)

func setupTest(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imap_test.db")
	testDB, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := model.Migrate(testDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	Init(testDB, directory.New(testDB), nil, &config.Config{})
	return testDB
}

func seedAccount(t *testing.T, testDB *gorm.DB) *model.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	domain := &model.Domain{Name: "example.com", IsActive: true}
	if err := testDB.Create(domain).Error; err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	account := &model.Account{
		EmailAddress:   "alice@example.com",
		DomainID:       domain.ID,
		CredentialHash: string(hash),
		IsActive:       true,
	}
	if err := testDB.Create(account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := mailstore.New(testDB).EnsureDefaultFolders(account.ID); err != nil {
		t.Fatalf("provision folders: %v", err)
	}
	return account
}

func seedMessages(t *testing.T, testDB *gorm.DB, accountID uint64, n int, read int) []model.Message {
	t.Helper()
	msgs := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := model.Message{
			MessageID:  "<imap-" + string(rune('a'+i)) + "@example.com>",
			AccountID:  accountID,
			Folder:     model.FolderInbox,
			From:       "sender@example.com",
			To:         []string{"alice@example.com"},
			Subject:    "test message",
			TextBody:   "body",
			SizeBytes:  100,
			IsRead:     i < read,
			ReceivedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		if err := testDB.Create(&msg).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func loggedInSession(t *testing.T) (*Session, *gorm.DB, *model.Account) {
	t.Helper()
	testDB := setupTest(t)
	account := seedAccount(t, testDB)
	s := &Session{}
	if err := s.Login("alice@example.com", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s, testDB, account
}

func TestLoginFailuresAreUniform(t *testing.T) {
	testDB := setupTest(t)
	seedAccount(t, testDB)

	cases := []struct {
		name string
		user string
		pass string
	}{
		{"wrong password", "alice@example.com", "nope"},
		{"unknown user", "nobody@example.com", "secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{}
			err := s.Login(tc.user, tc.pass)
			if err == nil {
				t.Fatal("Login succeeded, want failure")
			}
			imapErr, ok := err.(*imap.Error)
			if !ok || imapErr.Type != imap.StatusResponseTypeNo {
				t.Errorf("err = %v, want NO response", err)
			}
			if imapErr.Text != "Invalid credentials" {
				t.Errorf("text = %q, want the uniform failure message", imapErr.Text)
			}
		})
	}
}

func TestSelectReportsCounts(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 5, 2)

	data, err := s.Select("INBOX", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if data.NumMessages != 5 {
		t.Errorf("NumMessages = %d, want 5", data.NumMessages)
	}
	if data.UIDValidity != 1 {
		t.Errorf("UIDValidity = %d, want 1", data.UIDValidity)
	}

	// Tombstoned rows are invisible.
	if err := testDB.Model(&model.Message{}).Where("id = ?", msgs[0].ID).
		Update("is_deleted", true).Error; err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	data, err = s.Select("INBOX", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if data.NumMessages != 4 {
		t.Errorf("NumMessages after tombstone = %d, want 4", data.NumMessages)
	}
}

func TestSelectUnknownMailbox(t *testing.T) {
	s, _, _ := loggedInSession(t)

	_, err := s.Select("NoSuchBox", nil)
	if err == nil {
		t.Fatal("Select succeeded for missing mailbox")
	}
	imapErr, ok := err.(*imap.Error)
	if !ok || imapErr.Type != imap.StatusResponseTypeNo {
		t.Errorf("err = %v, want NO response", err)
	}
}

func TestStatusReportsUnseen(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	seedMessages(t, testDB, account.ID, 5, 2)

	data, err := s.Status("INBOX", nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if data.NumMessages == nil || *data.NumMessages != 5 {
		t.Errorf("NumMessages = %v, want 5", data.NumMessages)
	}
	if data.NumUnseen == nil || *data.NumUnseen != 3 {
		t.Errorf("NumUnseen = %v, want 3", data.NumUnseen)
	}
}

func TestStorePersistsSeenFlag(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 3, 0)

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	set := imap.UIDSet{imap.UIDRange{Start: imap.UID(msgs[0].ID), Stop: imap.UID(msgs[1].ID)}}
	err := s.Store(nil, set, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// The flag survives into a fresh session.
	s2 := &Session{}
	if err := s2.Login("alice@example.com", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	data, err := s2.Status("INBOX", nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if data.NumUnseen == nil || *data.NumUnseen != 1 {
		t.Errorf("NumUnseen = %v, want 1", data.NumUnseen)
	}
}

func TestStoreDeletedFlagTombstones(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 2, 0)

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	set := imap.UIDSet{imap.UIDRange{Start: imap.UID(msgs[0].ID), Stop: imap.UID(msgs[0].ID)}}
	err := s.Store(nil, set, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	var msg model.Message
	if err := testDB.First(&msg, msgs[0].ID).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if !msg.IsDeleted {
		t.Error("IsDeleted = false, want true")
	}
}

func TestSearchHonorsSeenCriteria(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	seedMessages(t, testDB, account.ID, 5, 2)

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	unseen, err := s.Search(imapserver.NumKindSeq, &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if unseen.Count != 3 {
		t.Errorf("unseen count = %d, want 3", unseen.Count)
	}
	// Matches report mailbox positions, not indexes within the filtered
	// result: the unseen messages sit at positions 3 through 5.
	if unseen.Min != 3 || unseen.Max != 5 {
		t.Errorf("unseen Min/Max = %d/%d, want 3/5", unseen.Min, unseen.Max)
	}
	if set, ok := unseen.All.(imap.SeqSet); !ok || !set.Contains(3) || set.Contains(1) {
		t.Errorf("unseen set = %v, want positions 3:5", unseen.All)
	}

	seen, err := s.Search(imapserver.NumKindSeq, &imap.SearchCriteria{
		Flag: []imap.Flag{imap.FlagSeen},
	}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if seen.Count != 2 {
		t.Errorf("seen count = %d, want 2", seen.Count)
	}

	all, err := s.Search(imapserver.NumKindSeq, &imap.SearchCriteria{}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if all.Count != 5 {
		t.Errorf("all count = %d, want 5", all.Count)
	}
}

func TestExpungeRemovesTombstonedRows(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 3, 0)

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := testDB.Model(&model.Message{}).Where("id = ?", msgs[1].ID).
		Update("is_deleted", true).Error; err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	// Removals are announced through the writer as they happen.
	if err := s.Expunge(&imapserver.ExpungeWriter{}, nil); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	var count int64
	if err := testDB.Model(&model.Message{}).Where("account_id = ?", account.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("rows after expunge = %d, want 2", count)
	}
}

func TestExpungeHonorsUIDSet(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 3, 0)

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	for _, id := range []uint64{msgs[0].ID, msgs[2].ID} {
		if err := testDB.Model(&model.Message{}).Where("id = ?", id).
			Update("is_deleted", true).Error; err != nil {
			t.Fatalf("tombstone: %v", err)
		}
	}

	// Only the requested tombstone goes; the other stays pending.
	uids := imap.UIDSet{imap.UIDRange{Start: imap.UID(msgs[2].ID), Stop: imap.UID(msgs[2].ID)}}
	if err := s.Expunge(&imapserver.ExpungeWriter{}, &uids); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	var remaining []model.Message
	if err := testDB.Where("account_id = ?", account.ID).Order("id").Find(&remaining).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("rows after expunge = %d, want 2", len(remaining))
	}
	if remaining[0].ID != msgs[0].ID || remaining[1].ID != msgs[1].ID {
		t.Errorf("remaining IDs = %d, %d", remaining[0].ID, remaining[1].ID)
	}
	if !remaining[0].IsDeleted {
		t.Error("untargeted tombstone was expunged")
	}
}

func TestFolderSeqNumsReflectMailboxPositions(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 4, 0)
	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := testDB.Model(&model.Message{}).Where("id = ?", msgs[1].ID).
		Update("is_deleted", true).Error; err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	seq, err := s.folderSeqNums(false)
	if err != nil {
		t.Fatalf("folderSeqNums: %v", err)
	}
	want := map[uint64]uint32{msgs[0].ID: 1, msgs[2].ID: 2, msgs[3].ID: 3}
	for id, pos := range want {
		if seq[id] != pos {
			t.Errorf("seq[%d] = %d, want %d", id, seq[id], pos)
		}
	}
	if _, ok := seq[msgs[1].ID]; ok {
		t.Errorf("tombstoned row still has a position")
	}

	// The pre-expunge view keeps tombstoned rows in place.
	seq, err = s.folderSeqNums(true)
	if err != nil {
		t.Fatalf("folderSeqNums: %v", err)
	}
	if seq[msgs[1].ID] != 2 || seq[msgs[3].ID] != 4 {
		t.Errorf("seq with tombstones = %v", seq)
	}
}

func TestMessagesForSetRanges(t *testing.T) {
	s, testDB, account := loggedInSession(t)
	msgs := seedMessages(t, testDB, account.ID, 5, 0)
	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// Open-ended UID range 3:*
	got, err := s.messagesForSet(imap.UIDSet{imap.UIDRange{Start: imap.UID(msgs[2].ID)}})
	if err != nil {
		t.Fatalf("messagesForSet: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("UID %d:* matched %d messages, want 3", msgs[2].ID, len(got))
	}

	// Sequence range 2:4
	got, err = s.messagesForSet(imap.SeqSet{imap.SeqRange{Start: 2, Stop: 4}})
	if err != nil {
		t.Fatalf("messagesForSet: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("seq 2:4 matched %d messages, want 3", len(got))
	}
	if len(got) == 3 && got[0].ID != msgs[1].ID {
		t.Errorf("seq 2 resolved to ID %d, want %d", got[0].ID, msgs[1].ID)
	}
}

func TestCreateAndDeleteCustomFolder(t *testing.T) {
	s, testDB, account := loggedInSession(t)

	if err := s.Create("Archive/2026", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("Archive/2026", nil); err == nil {
		t.Error("duplicate Create succeeded, want NO")
	}

	if err := s.Delete("INBOX"); err == nil {
		t.Error("Delete INBOX succeeded, want NO")
	}
	if err := s.Delete("Archive/2026"); err != nil {
		t.Errorf("Delete custom folder: %v", err)
	}

	var count int64
	if err := testDB.Model(&model.Folder{}).Where(
		"account_id = ? AND name = ?", account.ID, "Archive/2026",
	).Count(&count).Error; err != nil {
		t.Fatalf("count folders: %v", err)
	}
	if count != 0 {
		t.Errorf("folder still present after delete")
	}
}
