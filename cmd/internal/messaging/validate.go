package messaging

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxContentChars bounds message text (runes, after trimming).
	MaxContentChars = 2000
	// MaxAttachments bounds attachments per message.
	MaxAttachments = 4

	maxAttachmentURIBytes = 2048
	maxClientMsgIDBytes   = 128
)

// NormalizeContent trims surrounding whitespace.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// ValidateAttachments enforces the {uri, kind} shape and returns a normalized copy.
func ValidateAttachments(op string, in []Attachment) ([]Attachment, error) {
	if len(in) > MaxAttachments {
		return nil, opErr(op, ErrInvalidMessage, "too many attachments")
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		uri := strings.TrimSpace(a.URI)
		if uri == "" {
			return nil, opErr(op, ErrInvalidMessage, "attachment uri is required")
		}
		if len(uri) > maxAttachmentURIBytes || strings.ContainsAny(uri, " \t\r\n") {
			return nil, opErr(op, ErrInvalidMessage, "attachment uri is malformed")
		}
		kind := AttachmentKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
		switch kind {
		case AttachmentImage, AttachmentVideo:
		default:
			return nil, opErr(op, ErrInvalidMessage, "attachment kind must be image or video")
		}
		out = append(out, Attachment{URI: uri, Kind: kind})
	}
	return out, nil
}

// validateBody checks the content/attachments pair after normalization.
func validateBody(op, content string, attachments []Attachment) error {
	if content == "" && len(attachments) == 0 {
		return opErr(op, ErrInvalidMessage, "content or attachments required")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return opErr(op, ErrInvalidMessage, "content too long")
	}
	return nil
}

func validateClientMsgID(op, id string) error {
	if len(id) > maxClientMsgIDBytes {
		return opErr(op, ErrInvalidMessage, "client_msg_id too long")
	}
	return nil
}
