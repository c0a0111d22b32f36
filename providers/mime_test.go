package providers

import (
	"strings"
	"testing"
	"time"

	"mailbridge/models"
)

func baseOutgoing() *models.OutgoingMessage {
	return &models.OutgoingMessage{
		From:     "me@example.com",
		To:       []string{"you@example.com"},
		Subject:  "Hello",
		BodyHTML: "<p>Hi there</p>",
	}
}

func TestBuildMIMEReplyHeadersBracketedOnce(t *testing.T) {
	cases := []struct {
		name      string
		inReplyTo string
	}{
		{"bare id", "XYZ"},
		{"pre-bracketed", "<XYZ>"},
		{"half bracketed", "<XYZ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := baseOutgoing()
			msg.InReplyTo = tc.inReplyTo
			wire, err := BuildMIME(msg, time.Now())
			if err != nil {
				t.Fatalf("BuildMIME: %v", err)
			}
			text := string(wire)
			if !strings.Contains(text, "In-Reply-To: <XYZ>\r\n") {
				t.Errorf("missing normalized In-Reply-To header in:\n%s", text)
			}
			if !strings.Contains(text, "References: <XYZ>\r\n") {
				t.Errorf("missing normalized References header in:\n%s", text)
			}
			if strings.Contains(text, "<<XYZ>>") {
				t.Error("double-bracketed message id")
			}
		})
	}
}

func TestBuildMIMENoRecipients(t *testing.T) {
	msg := baseOutgoing()
	msg.To = nil
	if _, err := BuildMIME(msg, time.Now()); err == nil {
		t.Fatal("expected an error without recipients")
	}
}

func TestBuildMIMEPlainMessageHasNoMultipart(t *testing.T) {
	wire, err := BuildMIME(baseOutgoing(), time.Now())
	if err != nil {
		t.Fatalf("BuildMIME: %v", err)
	}
	text := string(wire)
	if strings.Contains(text, "multipart/") {
		t.Error("attachment-free message should not be multipart")
	}
	if !strings.Contains(text, "Content-Type: text/html") {
		t.Error("missing html body part")
	}
}

func TestBuildMIMEInlineAndFileAttachments(t *testing.T) {
	msg := baseOutgoing()
	msg.BodyHTML = `<p>Look: <img src="cid:logo@mail"></p>`
	msg.Attachments = []models.OutgoingAttachment{
		{Filename: "logo.png", ContentType: "image/png", Data: []byte("png-bytes"), ContentID: "logo@mail"},
		{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("pdf-bytes")},
	}

	wire, err := BuildMIME(msg, time.Now())
	if err != nil {
		t.Fatalf("BuildMIME: %v", err)
	}
	text := string(wire)

	if !strings.Contains(text, "multipart/mixed") {
		t.Error("expected multipart/mixed outer container")
	}
	if !strings.Contains(text, "multipart/related") {
		t.Error("expected multipart/related inner container")
	}
	if !strings.Contains(text, "Content-ID: <logo@mail>") {
		t.Error("inline part missing bracketed Content-ID")
	}
	if !strings.Contains(text, `Content-Disposition: inline; filename="logo.png"`) {
		t.Error("inline part missing inline disposition")
	}
	if !strings.Contains(text, `Content-Disposition: attachment; filename="report.pdf"`) {
		t.Error("file part missing attachment disposition")
	}
	if idxMixed, idxRelated := strings.Index(text, "multipart/mixed"), strings.Index(text, "multipart/related"); idxMixed > idxRelated {
		t.Error("related container should be nested inside mixed")
	}
}

func TestBuildMIMEBase64LineLength(t *testing.T) {
	msg := baseOutgoing()
	msg.BodyHTML = strings.Repeat("<p>long body line for wrapping checks</p>", 40)
	wire, err := BuildMIME(msg, time.Now())
	if err != nil {
		t.Fatalf("BuildMIME: %v", err)
	}
	body := string(wire)
	idx := strings.Index(body, "\r\n\r\n")
	if idx < 0 {
		t.Fatal("no header/body separator")
	}
	for _, line := range strings.Split(body[idx+4:], "\r\n") {
		if len(line) > 76 {
			t.Fatalf("base64 line longer than 76 chars: %d", len(line))
		}
	}
}
