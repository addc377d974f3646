// Package delivery turns one accepted SMTP transaction into per-recipient
// stored messages, an archived raw copy, and webhook notifications.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/mailparser"
	"github.com/masa23/mailhookd/mailstore"
	"github.com/masa23/mailhookd/model"
	"github.com/masa23/mailhookd/objectstorage"
	"github.com/masa23/mailhookd/webhook"
)

// ErrMalformedMessage means the payload could not be parsed at all; the
// transaction is rejected rather than stored half-broken.
var ErrMalformedMessage = errors.New("malformed message")

type Pipeline struct {
	store      *mailstore.Store
	dispatcher *webhook.Dispatcher
	// archive is nil when object storage is disabled; raw bodies are
	// then only reconstructable from parsed content.
	archive  *objectstorage.Archive
	hostname string

	// notifyCtx outlives individual SMTP sessions so webhook retries
	// are only cancelled on process shutdown.
	notifyCtx context.Context
	wg        sync.WaitGroup
}

func NewPipeline(ctx context.Context, store *mailstore.Store, dispatcher *webhook.Dispatcher, archive *objectstorage.Archive, hostname string) *Pipeline {
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		archive:    archive,
		hostname:   hostname,
		notifyCtx:  ctx,
	}
}

// Result summarizes one transaction's fan-out. A duplicate copy counts
// as handled, not failed.
type Result struct {
	Delivered  int
	Duplicates int
	Failed     int
}

// Deliver parses the raw message once and stores an independent copy per
// recipient. One recipient's storage failure does not stop the others.
// Webhook notification happens in the background; callers use Wait on
// shutdown to let in-flight notifications finish.
func (p *Pipeline) Deliver(from string, rcpts []directory.Recipient, raw []byte) (*Result, error) {
	parsed, err := mailparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	messageID := parsed.MessageID
	if messageID == "" {
		messageID = mailparser.GenerateMessageID(p.hostname)
	}
	receivedAt := parsed.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	// The raw body is archived once; all recipient copies share the key.
	var archiveKey string
	if p.archive != nil {
		key := objectstorage.GenerateKey()
		if err := p.archive.Upload(key, bytes.NewReader(raw)); err != nil {
			slog.Error("failed to archive raw message", "message_id", messageID, "error", err)
		} else {
			archiveKey = key
		}
	}

	size := mailparser.ComputeSize(parsed)

	result := &Result{}
	for _, rcpt := range rcpts {
		msg := &model.Message{
			MessageID:   messageID,
			AccountID:   rcpt.AccountID,
			Folder:      model.FolderInbox,
			From:        parsed.From,
			// Each copy records that recipient's address, not the
			// header To list, so aliased delivery stays traceable.
			To:          []string{rcpt.Address},
			Cc:          parsed.Cc,
			Bcc:         parsed.Bcc,
			Subject:     parsed.Subject,
			TextBody:    parsed.TextBody,
			HTMLBody:    parsed.HTMLBody,
			Attachments: parsed.Attachments,
			SizeBytes:   size,
			ReceivedAt:  receivedAt,
			ArchiveKey:  archiveKey,
		}

		if err := p.store.EnsureDefaultFolders(rcpt.AccountID); err != nil {
			slog.Error("failed to provision folders",
				"account_id", rcpt.AccountID, "error", err)
		}

		if _, err := p.store.Save(msg); err != nil {
			if errors.Is(err, mailstore.ErrDuplicateMessage) {
				slog.Info("duplicate message skipped",
					"message_id", messageID, "recipient", rcpt.Address)
				result.Duplicates++
				continue
			}
			slog.Error("failed to save message",
				"message_id", messageID, "recipient", rcpt.Address, "error", err)
			result.Failed++
			continue
		}

		slog.Info("message delivered",
			"message_id", messageID, "recipient", rcpt.Address,
			"kind", rcpt.Kind, "size", size)
		result.Delivered++

		p.wg.Add(1)
		go func(saved *model.Message) {
			defer p.wg.Done()
			if err := p.dispatcher.Notify(p.notifyCtx, webhook.EventEmailReceived, saved); err != nil {
				slog.Error("webhook dispatch failed",
					"message_id", saved.MessageID, "error", err)
			}
		}(msg)
	}

	return result, nil
}

// Wait blocks until background webhook notifications have reached their
// terminal state. Called during shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
