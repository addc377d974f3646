package mailparser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateMessageID synthesizes a Message-ID for inbound mail that
// arrived without one.
func GenerateMessageID(hostname string) string {
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixMilli(), uuid.New().String(), hostname)
}

// boundary returns a multipart boundary of deterministic length so that
// rebuilding a message always produces the same byte count.
func boundary() string {
	return fmt.Sprintf("b_%013d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// BuildRaw serializes a message into its canonical RFC 5322 form: fixed
// header order, multipart/alternative for text+html, multipart/mixed when
// attachments are present.
func BuildRaw(m *ParsedMessage) []byte {
	var buf bytes.Buffer

	messageID := m.MessageID
	if messageID == "" {
		messageID = GenerateMessageID("localhost")
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	fmt.Fprintf(&buf, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", date.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(m.Cc, ", "))
	}
	if len(m.Bcc) > 0 {
		fmt.Fprintf(&buf, "Bcc: %s\r\n", strings.Join(m.Bcc, ", "))
	}
	if m.Subject != "" {
		fmt.Fprintf(&buf, "Subject: %s\r\n", m.Subject)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case len(m.Attachments) > 0:
		b := boundary()
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", b)
		if m.TextBody != "" || m.HTMLBody == "" {
			writeBodyPart(&buf, b, "text/plain", m.TextBody)
		}
		if m.HTMLBody != "" {
			writeBodyPart(&buf, b, "text/html", m.HTMLBody)
		}
		for _, att := range m.Attachments {
			contentType := att.ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			fmt.Fprintf(&buf, "--%s\r\n", b)
			fmt.Fprintf(&buf, "Content-Type: %s; name=%q\r\n", contentType, att.Filename)
			fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", att.Filename)
			buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			buf.WriteString(att.ContentBase64)
			buf.WriteString("\r\n")
		}
		fmt.Fprintf(&buf, "--%s--\r\n", b)

	case m.TextBody != "" && m.HTMLBody != "":
		b := boundary()
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", b)
		writeBodyPart(&buf, b, "text/plain", m.TextBody)
		writeBodyPart(&buf, b, "text/html", m.HTMLBody)
		fmt.Fprintf(&buf, "--%s--\r\n", b)

	case m.HTMLBody != "":
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(m.HTMLBody)

	default:
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(m.TextBody)
	}

	return buf.Bytes()
}

func writeBodyPart(buf *bytes.Buffer, boundary, contentType, body string) {
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	fmt.Fprintf(buf, "Content-Type: %s; charset=utf-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
}

// ComputeSize is the byte length of the canonical serialized form. It is
// recorded as the message size at ingestion and recomputed for rebuilt
// messages, so round-tripping a message keeps the size metric stable.
func ComputeSize(m *ParsedMessage) int64 {
	return int64(len(BuildRaw(m)))
}
