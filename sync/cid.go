// Package sync implements the incremental fetch pipeline that keeps
// the local message cache in step with the remote mailboxes.
package sync

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"mailbridge/models"
)

// AttachmentURL renders the local URL an inline image should point at
// once its attachment is cached.
type AttachmentURL func(att models.Attachment) string

// ResolveInlineImages rewrites cid: image references in an HTML body to
// local attachment URLs. A cid matches by exact Content-ID first, then
// by the id's local part (before "@"), then by filename. References
// with no matching attachment are left untouched. The second return
// reports whether anything was rewritten.
func ResolveInlineImages(bodyHTML string, attachments []models.Attachment, urlFor AttachmentURL) (string, bool) {
	if bodyHTML == "" || len(attachments) == 0 || !strings.Contains(bodyHTML, "cid:") {
		return bodyHTML, false
	}

	doc, err := html.Parse(strings.NewReader(bodyHTML))
	if err != nil {
		return bodyHTML, false
	}

	changed := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for i, attr := range n.Attr {
				if attr.Key != "src" || !strings.HasPrefix(attr.Val, "cid:") {
					continue
				}
				cid := strings.TrimPrefix(attr.Val, "cid:")
				if att, ok := matchAttachment(cid, attachments); ok {
					n.Attr[i].Val = urlFor(att)
					changed = true
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if !changed {
		return bodyHTML, false
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return bodyHTML, false
	}
	return buf.String(), true
}

// matchAttachment resolves a cid reference against the attachment set.
func matchAttachment(cid string, attachments []models.Attachment) (models.Attachment, bool) {
	cid = strings.Trim(cid, "<>")
	if cid == "" {
		return models.Attachment{}, false
	}

	for _, att := range attachments {
		if att.ContentID != "" && att.ContentID == cid {
			return att, true
		}
	}

	// Some senders reference only the local part of the Content-ID.
	localPart := cid
	if at := strings.Index(cid, "@"); at > 0 {
		localPart = cid[:at]
	}
	for _, att := range attachments {
		if att.ContentID == "" {
			continue
		}
		attLocal := att.ContentID
		if at := strings.Index(attLocal, "@"); at > 0 {
			attLocal = attLocal[:at]
		}
		if attLocal == localPart {
			return att, true
		}
	}

	for _, att := range attachments {
		if att.Filename != "" && att.Filename == cid {
			return att, true
		}
	}
	return models.Attachment{}, false
}
