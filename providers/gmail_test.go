package providers

import (
	"encoding/base64"
	"testing"

	gmailapi "google.golang.org/api/gmail/v1"
)

func b64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func htmlPart(body string) *gmailapi.MessagePart {
	return &gmailapi.MessagePart{
		MimeType: "text/html",
		Body:     &gmailapi.MessagePartBody{Data: b64url(body)},
	}
}

func TestCollectGmailHeadersRecursesIntoParts(t *testing.T) {
	payload := &gmailapi.MessagePart{
		Headers: []*gmailapi.MessagePartHeader{
			{Name: "From", Value: "Ann <ann@example.com>"},
		},
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "message/rfc822",
				Headers: []*gmailapi.MessagePartHeader{
					{Name: "Subject", Value: "buried subject"},
					{Name: "From", Value: "nested@example.com"},
				},
			},
		},
	}

	headers := collectGmailHeaders(payload)
	if headers["subject"] != "buried subject" {
		t.Errorf("subject = %q, want %q", headers["subject"], "buried subject")
	}
	// Top-level values win over nested ones.
	if headers["from"] != "Ann <ann@example.com>" {
		t.Errorf("from = %q, want top-level value", headers["from"])
	}
}

func TestExtractGmailBodiesConcatenatesHTMLParts(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			htmlPart("<p>one</p>"),
			{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "text/plain",
						Body:     &gmailapi.MessagePartBody{Data: b64url("plain body")},
					},
					htmlPart("<p>two</p>"),
				},
			},
		},
	}

	html, plain := extractGmailBodies(payload)
	if want := "<p>one</p>\n<p>two</p>"; html != want {
		t.Errorf("html = %q, want %q", html, want)
	}
	if plain != "plain body" {
		t.Errorf("plain = %q, want %q", plain, "plain body")
	}
}

func TestExtractGmailBodiesSkipsAttachmentParts(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			htmlPart("<p>body</p>"),
			{
				MimeType: "text/html",
				Filename: "saved.html",
				Body:     &gmailapi.MessagePartBody{Data: b64url("<p>file</p>")},
			},
		},
	}

	html, _ := extractGmailBodies(payload)
	if html != "<p>body</p>" {
		t.Errorf("html = %q, want attachment part excluded", html)
	}
}
