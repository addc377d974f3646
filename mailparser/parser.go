// Package mailparser converts raw RFC 5322 messages to and from the
// structured form the rest of the system stores and serves.
package mailparser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"github.com/masa23/mailhookd/model"
)

// ParsedMessage is the structured form of one inbound message.
type ParsedMessage struct {
	MessageID   string
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Date        time.Time
	Attachments []model.Attachment
	Headers     map[string][]string
}

// Parse parses a raw message. Missing optional headers yield zero values;
// only an unreadable header block is a fatal error.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &ParsedMessage{
		Headers: make(map[string][]string),
	}
	for key, values := range msg.Header {
		result.Headers[key] = values
	}

	result.MessageID = msg.Header.Get("Message-Id")
	result.From = decodeHeaderOrRaw(msg.Header.Get("From"))
	result.Subject = decodeHeaderOrRaw(msg.Header.Get("Subject"))
	result.To = ParseAddressList(msg.Header.Get("To"))
	result.Cc = ParseAddressList(msg.Header.Get("Cc"))
	result.Bcc = ParseAddressList(msg.Header.Get("Bcc"))
	// A missing or malformed Date is tolerated; the zero time stands in.
	result.Date, _ = msg.Header.Date()

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("unparseable content type, treating as plain text",
			"content_type", contentType, "error", err)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		result.HTMLBody = string(body)
	default:
		result.TextBody = string(body)
	}
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *ParsedMessage) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("unparseable part content type, skipping",
				"content_type", partContentType, "error", err)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType, "error", err)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			result.Attachments = append(result.Attachments, newAttachment(part, params, mediaType, content))
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			// Inline parts with a filename still count as attachments.
			if filename := extractFilename(part, params); filename != "" {
				result.Attachments = append(result.Attachments, newAttachment(part, params, mediaType, content))
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType, "disposition", disposition)
			}
		}
	}

	return nil
}

func newAttachment(part *multipart.Part, params map[string]string, mediaType string, content []byte) model.Attachment {
	return model.Attachment{
		Filename:      extractFilename(part, params),
		ContentType:   mediaType,
		SizeBytes:     int64(len(content)),
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}
}

// readPartContent reads a MIME part, decoding base64 transfer encoding.
// Quoted-printable is already decoded by the multipart reader.
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	if encoding != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	return ""
}
