package email

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/jhillyerd/enmime"
)

const multipartMimeType = "multipart/"

// extractContent reduces a MIME part tree to a single renderable HTML
// string. The policy, evaluated depth-first and left-to-right: a
// text/plain part sets the result only when nothing was found yet
// (escaped inside <pre> so later HTML still overrides it), a text/html
// part always overwrites the running result, and recursing into a nested
// multipart replaces the running result with whatever the recursion
// produced. Anything else is left to the attachment collector.
func extractContent(root *enmime.Part) string {
	if root == nil {
		return ""
	}
	ctype := strings.ToLower(root.ContentType)
	switch {
	case strings.HasPrefix(ctype, multipartMimeType):
		return extractMultipart(root)
	case strings.HasPrefix(ctype, "text/html"):
		return string(root.Content)
	default:
		// Preserve formatting of plain-text (and untyped) bodies.
		return preformat(string(root.Content))
	}
}

func extractMultipart(part *enmime.Part) string {
	ret := ""
	for child := part.FirstChild; child != nil; child = child.NextSibling {
		ctype := strings.ToLower(child.ContentType)
		switch {
		case strings.HasPrefix(ctype, multipartMimeType):
			ret = extractMultipart(child)
		case strings.HasPrefix(ctype, "text/html"):
			ret = string(child.Content)
		case ret == "" && strings.HasPrefix(ctype, "text/plain"):
			ret = preformat(string(child.Content))
		}
	}
	return ret
}

func preformat(text string) string {
	return fmt.Sprintf("<pre>%s</pre>", html.EscapeString(text))
}

// inlineEmbeddedImage replaces every `cid:<id>` reference in content with
// a self-contained data URI built from the image part, so the client
// needs no further round trip to render it. When the content does not
// reference the part's content-id the input is returned unchanged.
func inlineEmbeddedImage(content string, part *enmime.Part) string {
	cid := strings.Trim(part.ContentID, "<>")
	if cid == "" || !strings.Contains(content, "cid:"+cid) {
		return content
	}

	contentType := part.ContentType
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	encoding := strings.ToLower(part.Header.Get("Content-Transfer-Encoding"))
	if encoding == "" {
		encoding = "base64"
	}
	// StdEncoding emits no line breaks, keeping the data URI intact.
	payload := base64.StdEncoding.EncodeToString(part.Content)

	return strings.ReplaceAll(content, "cid:"+cid,
		fmt.Sprintf("data:%s;%s,%s", contentType, encoding, payload))
}
