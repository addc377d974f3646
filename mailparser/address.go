package mailparser

import (
	"net/mail"
	"strings"
)

// ParseAddressList splits an address header into bare addresses. RFC 5322
// parsing is tried first; malformed lists fall back to a comma split so a
// sloppy client header never loses recipients.
func ParseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// ParseAddress splits a single address header into display name, mailbox
// and host. Used by the IMAP FETCH envelope builder.
func ParseAddress(raw string) (name, mbox, host string) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		// Bare or malformed address; split on the last @ ourselves.
		mbox, host = splitMailbox(strings.TrimSpace(raw))
		return "", mbox, host
	}
	mbox, host = splitMailbox(addr.Address)
	return addr.Name, mbox, host
}

func splitMailbox(address string) (mbox, host string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, ""
	}
	return address[:at], address[at+1:]
}
