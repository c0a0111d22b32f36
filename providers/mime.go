package providers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailbridge/models"
)

// BuildMIME assembles an outgoing message into RFC 2045 wire form:
// a multipart/related part carrying the HTML body and its inline
// images, wrapped in multipart/mixed when file attachments exist.
// Reply headers are bracketed exactly once.
func BuildMIME(msg *models.OutgoingMessage, now time.Time) ([]byte, error) {
	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		return nil, fmt.Errorf("build mime: no recipients")
	}

	var inline, files []models.OutgoingAttachment
	for _, att := range msg.Attachments {
		if att.ContentID != "" {
			inline = append(inline, att)
		} else {
			files = append(files, att)
		}
	}

	var buf bytes.Buffer
	writeHeader := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}

	writeHeader("From", msg.From)
	writeHeader("To", strings.Join(msg.To, ", "))
	writeHeader("Cc", strings.Join(msg.Cc, ", "))
	writeHeader("Bcc", strings.Join(msg.Bcc, ", "))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	if ref := BracketOnce(msg.InReplyTo); ref != "" {
		writeHeader("In-Reply-To", ref)
		writeHeader("References", ref)
	}
	writeHeader("MIME-Version", "1.0")

	related := relatedBody(msg.BodyHTML, inline)

	if len(files) == 0 {
		buf.Write(related)
		return buf.Bytes(), nil
	}

	boundary := newBoundary()
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.Write(related)
	for _, att := range files {
		fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
		writeAttachmentPart(&buf, att, "attachment")
	}
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

// relatedBody renders the HTML part, joined with its inline images in
// a multipart/related container when any exist. The returned bytes
// start at the part's Content-Type header.
func relatedBody(html string, inline []models.OutgoingAttachment) []byte {
	var buf bytes.Buffer
	if len(inline) == 0 {
		writeHTMLPart(&buf, html)
		return buf.Bytes()
	}

	boundary := newBoundary()
	fmt.Fprintf(&buf, "Content-Type: multipart/related; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	writeHTMLPart(&buf, html)
	for _, att := range inline {
		fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
		writeAttachmentPart(&buf, att, "inline")
	}
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return buf.Bytes()
}

func writeHTMLPart(buf *bytes.Buffer, html string) {
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	writeBase64(buf, []byte(html))
}

func writeAttachmentPart(buf *bytes.Buffer, att models.OutgoingAttachment, disposition string) {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fmt.Fprintf(buf, "Content-Type: %s; name=%q\r\n", contentType, att.Filename)
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(buf, "Content-Disposition: %s; filename=%q\r\n", disposition, att.Filename)
	if att.ContentID != "" {
		fmt.Fprintf(buf, "Content-ID: %s\r\n", BracketOnce(att.ContentID))
	}
	buf.WriteString("\r\n")
	writeBase64(buf, att.Data)
}

// writeBase64 encodes data wrapped at 76 columns per RFC 2045.
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

func newBoundary() string {
	return "=_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
