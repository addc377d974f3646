package imapsession

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"slices"
	"time"

	"github.com/k0kubun/pp/v3"
	"gorm.io/gorm"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/masa23/mailhookd/mailparser"
	"github.com/masa23/mailhookd/model"
)

var errNoMailboxSelected = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Text: "No mailbox selected",
}

// messagesForSet resolves a sequence or UID set against the selected
// folder. UIDs map to row IDs; sequence numbers are 1-based positions in
// ascending ID order. A Stop of zero means an open-ended range (n:*).
func (s *Session) messagesForSet(set imap.NumSet) ([]model.Message, error) {
	base := func() *gorm.DB {
		return db.Where(
			"account_id = ? AND folder = ? AND is_deleted = ?",
			s.accountID, s.folder, false,
		).Order("id")
	}

	var messages []model.Message
	switch v := set.(type) {
	case imap.UIDSet:
		if len(v) == 0 {
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeBad,
				Text: "Non-empty UID set required",
			}
		}
		for _, r := range v {
			var chunk []model.Message
			q := base().Where("id >= ?", uint64(r.Start))
			if r.Stop != 0 {
				q = q.Where("id <= ?", uint64(r.Stop))
			}
			if err := q.Find(&chunk).Error; err != nil {
				return nil, err
			}
			messages = append(messages, chunk...)
		}
	case imap.SeqSet:
		if len(v) == 0 {
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeBad,
				Text: "Non-empty sequence set required",
			}
		}
		for _, r := range v {
			var chunk []model.Message
			q := base().Offset(int(r.Start - 1))
			if r.Stop != 0 {
				q = q.Limit(int(r.Stop - r.Start + 1))
			}
			if err := q.Find(&chunk).Error; err != nil {
				return nil, err
			}
			messages = append(messages, chunk...)
		}
	default:
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "Only UID and sequence sets are supported",
		}
	}
	return messages, nil
}

// folderSeqNums maps row IDs to 1-based mailbox positions over the full
// ascending-ID listing of the selected folder. Tombstoned rows are
// included when withDeleted is set, matching the last view a client
// could still hold before an expunge.
func (s *Session) folderSeqNums(withDeleted bool) (map[uint64]uint32, error) {
	q := db.Model(&model.Message{}).
		Where("account_id = ? AND folder = ?", s.accountID, s.folder)
	if !withDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var ids []uint64
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	seq := make(map[uint64]uint32, len(ids))
	for i, id := range ids {
		seq[id] = uint32(i + 1)
	}
	return seq, nil
}

func messageFlags(m *model.Message) []imap.Flag {
	var flags []imap.Flag
	if m.IsRead {
		flags = append(flags, imap.FlagSeen)
	}
	if m.IsDeleted {
		flags = append(flags, imap.FlagDeleted)
	}
	return flags
}

func envelopeAddresses(raw []string) []imap.Address {
	var out []imap.Address
	for _, addr := range raw {
		name, mbox, host := mailparser.ParseAddress(addr)
		out = append(out, imap.Address{
			Mailbox: mbox,
			Host:    host,
			Name:    name,
		})
	}
	return out
}

func buildEnvelope(m *model.Message) *imap.Envelope {
	return &imap.Envelope{
		Date:      m.ReceivedAt,
		Subject:   m.Subject,
		From:      envelopeAddresses([]string{m.From}),
		To:        envelopeAddresses(m.To),
		Cc:        envelopeAddresses(m.Cc),
		Bcc:       envelopeAddresses(m.Bcc),
		MessageID: m.MessageID,
	}
}

// rawMessage returns the full RFC 5322 bytes: the archived original when
// available, otherwise a canonical rebuild from the stored content.
func rawMessage(m *model.Message) ([]byte, error) {
	if archive != nil && m.ArchiveKey != "" {
		obj, err := archive.Download(m.ArchiveKey)
		if err != nil {
			return nil, fmt.Errorf("error downloading archived message: %w", err)
		}
		defer obj.Close()
		return io.ReadAll(obj)
	}

	return mailparser.BuildRaw(&mailparser.ParsedMessage{
		MessageID:   m.MessageID,
		From:        m.From,
		To:          m.To,
		Cc:          m.Cc,
		Bcc:         m.Bcc,
		Subject:     m.Subject,
		TextBody:    m.TextBody,
		HTMLBody:    m.HTMLBody,
		Date:        m.ReceivedAt,
		Attachments: m.Attachments,
	}), nil
}

// Fetch implements the IMAP FETCH command
func (s *Session) Fetch(w *imapserver.FetchWriter, set imap.NumSet, opts *imap.FetchOptions) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}
	if s.folder == "" {
		return errNoMailboxSelected
	}
	slog.Debug("FETCH", "user", s.username, "set", pp.Sprint(set), "opts", pp.Sprint(opts))

	messages, err := s.messagesForSet(set)
	if err != nil {
		return err
	}
	seq, err := s.folderSeqNums(false)
	if err != nil {
		return err
	}

	for _, m := range messages {
		if err := fetchOne(m, seq[m.ID], w, opts); err != nil {
			return err
		}
	}
	return nil
}

// fetchOne writes one message's requested items.
func fetchOne(m model.Message, seqNum uint32, w *imapserver.FetchWriter, opts *imap.FetchOptions) error {
	msg := w.CreateMessage(seqNum)

	if opts != nil && opts.Envelope {
		msg.WriteEnvelope(buildEnvelope(&m))
	}
	if opts != nil && opts.UID {
		msg.WriteUID(imap.UID(m.ID))
	}
	if opts != nil && opts.RFC822Size {
		msg.WriteRFC822Size(m.SizeBytes)
	}
	if opts != nil && opts.Flags {
		msg.WriteFlags(messageFlags(&m))
	}

	if opts != nil && opts.BodySection != nil {
		raw, err := rawMessage(&m)
		if err != nil {
			return err
		}
		for _, section := range opts.BodySection {
			if err := writeBodySection(msg, section, raw); err != nil {
				return err
			}
		}
	}

	return msg.Close()
}

func writeBodySection(msg *imapserver.FetchResponseWriter, section *imap.FetchItemBodySection, raw []byte) error {
	var data []byte
	switch section.Specifier {
	case imap.PartSpecifierNone:
		data = raw
	case imap.PartSpecifierHeader:
		data = headerBytes(raw)
	case imap.PartSpecifierText:
		parsed, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("error reading message: %w", err)
		}
		body, err := io.ReadAll(parsed.Body)
		if err != nil {
			return fmt.Errorf("error reading message body: %w", err)
		}
		data = body
	default:
		data = headerBytes(raw)
	}

	wr := msg.WriteBodySection(section, int64(len(data)))
	if _, err := wr.Write(data); err != nil {
		return err
	}
	return wr.Close()
}

// headerBytes returns the header block including the blank separator line.
func headerBytes(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4]
	}
	return raw
}

// Store implements the IMAP STORE command. Seen and Deleted flags are
// persisted; flag changes survive the session.
func (s *Session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}
	if s.folder == "" {
		return errNoMailboxSelected
	}
	if flags == nil || len(flags.Flags) == 0 {
		return &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "STORE requires flags",
		}
	}
	slog.Debug("STORE", "user", s.username, "set", pp.Sprint(numSet), "flags", pp.Sprint(flags))

	messages, err := s.messagesForSet(numSet)
	if err != nil {
		return err
	}

	for i := range messages {
		m := &messages[i]
		switch flags.Op {
		case imap.StoreFlagsSet:
			m.IsRead = flagsContain(flags.Flags, imap.FlagSeen)
			m.IsDeleted = flagsContain(flags.Flags, imap.FlagDeleted)
		case imap.StoreFlagsAdd:
			if flagsContain(flags.Flags, imap.FlagSeen) {
				m.IsRead = true
			}
			if flagsContain(flags.Flags, imap.FlagDeleted) {
				m.IsDeleted = true
			}
		case imap.StoreFlagsDel:
			if flagsContain(flags.Flags, imap.FlagSeen) {
				m.IsRead = false
			}
			if flagsContain(flags.Flags, imap.FlagDeleted) {
				m.IsDeleted = false
			}
		}
		if err := db.Model(m).Select("is_read", "is_deleted").Updates(map[string]interface{}{
			"is_read":    m.IsRead,
			"is_deleted": m.IsDeleted,
		}).Error; err != nil {
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: fmt.Sprintf("Failed to update flags for UID %d", m.ID),
			}
		}
	}
	return nil
}

func flagsContain(flags []imap.Flag, flag imap.Flag) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Search implements the IMAP SEARCH command. Seen/unseen flag criteria
// narrow the result; other criteria fall back to the whole folder.
func (s *Session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	if s.accountID == 0 {
		return nil, errNotAuthenticated
	}
	if s.folder == "" {
		return nil, errNoMailboxSelected
	}

	q := db.Where(
		"account_id = ? AND folder = ? AND is_deleted = ?",
		s.accountID, s.folder, false,
	).Order("id")

	if criteria != nil {
		if flagsContain(criteria.Flag, imap.FlagSeen) {
			q = q.Where("is_read = ?", true)
		}
		if flagsContain(criteria.NotFlag, imap.FlagSeen) {
			q = q.Where("is_read = ?", false)
		}
	}

	var messages []model.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	seq, err := s.folderSeqNums(false)
	if err != nil {
		return nil, err
	}

	nums := make([]uint32, 0, len(messages))
	for _, m := range messages {
		if kind == imapserver.NumKindUID {
			nums = append(nums, uint32(m.ID))
		} else {
			nums = append(nums, seq[m.ID])
		}
	}

	var minNum, maxNum uint32
	if len(nums) > 0 {
		minNum, maxNum = nums[0], nums[len(nums)-1]
	}

	return &imap.SearchData{
		UID:   kind == imapserver.NumKindUID,
		All:   imap.SeqSetNum(nums...),
		Min:   minNum,
		Max:   maxNum,
		Count: uint32(len(nums)),
	}, nil
}

// Expunge implements the IMAP EXPUNGE command: tombstoned rows in the
// selected folder are removed for good. The archived raw object is kept
// because other recipient copies share the same key.
func (s *Session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) error {
	if s.accountID == 0 {
		return errNotAuthenticated
	}
	if s.folder == "" {
		return errNoMailboxSelected
	}

	tombstoned := func() *gorm.DB {
		return db.Model(&model.Message{}).Where(
			"account_id = ? AND folder = ? AND is_deleted = ?",
			s.accountID, s.folder, true,
		)
	}

	var victims []uint64
	if uids == nil || len(*uids) == 0 {
		if err := tombstoned().Pluck("id", &victims).Error; err != nil {
			return fmt.Errorf("error expunging messages: %w", err)
		}
	} else {
		for _, r := range *uids {
			q := tombstoned().Where("id >= ?", uint64(r.Start))
			if r.Stop != 0 {
				q = q.Where("id <= ?", uint64(r.Stop))
			}
			var ids []uint64
			if err := q.Pluck("id", &ids).Error; err != nil {
				return fmt.Errorf("error expunging messages: %w", err)
			}
			victims = append(victims, ids...)
		}
	}
	if len(victims) == 0 {
		return nil
	}

	// Sequence numbers are reported against the listing that still
	// includes the tombstoned rows, highest first so client-side
	// renumbering stays consistent.
	seq, err := s.folderSeqNums(true)
	if err != nil {
		return err
	}
	slices.Sort(victims)

	if err := db.Where("id IN ?", victims).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("error expunging messages: %w", err)
	}

	if w != nil {
		for i := len(victims) - 1; i >= 0; i-- {
			if err := w.WriteExpunge(seq[victims[i]]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Append implements the IMAP APPEND command, used by clients to file
// copies into Sent or Drafts.
func (s *Session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (*imap.AppendData, error) {
	if s.accountID == 0 {
		return nil, errNotAuthenticated
	}

	folder, err := s.folderByName(mailbox)
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading appended message: %w", err)
	}

	parsed, err := mailparser.Parse(raw)
	if err != nil {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Cannot parse message",
		}
	}

	messageID := parsed.MessageID
	if messageID == "" {
		messageID = mailparser.GenerateMessageID(conf.SMTP.Hostname)
	}
	receivedAt := parsed.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	var seen bool
	if options != nil {
		seen = flagsContain(options.Flags, imap.FlagSeen)
	}

	msg := model.Message{
		MessageID:   messageID,
		AccountID:   s.accountID,
		Folder:      folder.Name,
		From:        parsed.From,
		To:          parsed.To,
		Cc:          parsed.Cc,
		Bcc:         parsed.Bcc,
		Subject:     parsed.Subject,
		TextBody:    parsed.TextBody,
		HTMLBody:    parsed.HTMLBody,
		Attachments: parsed.Attachments,
		SizeBytes:   mailparser.ComputeSize(parsed),
		IsRead:      seen,
		ReceivedAt:  receivedAt,
	}
	if err := db.Create(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: "Message already exists",
			}
		}
		return nil, fmt.Errorf("error saving appended message: %w", err)
	}
	slog.Info("message appended", "user", s.username, "folder", folder.Name, "message_id", messageID)

	return &imap.AppendData{
		UID:         imap.UID(msg.ID),
		UIDValidity: 1,
	}, nil
}

// Copy implements the IMAP COPY command. Messages carry a per-account
// unique protocol ID, so a same-account copy is rejected rather than
// silently duplicated; clients move mail with STORE + EXPUNGE instead.
func (s *Session) Copy(numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	return nil, &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Text: "COPY is not supported",
	}
}
