package email

import (
	"bytes"
	"context"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/devgold123/isotope-mail/pkg/types"
)

// collectAttachments classifies the parts of a multipart tree in traversal
// order. Images referenced by content-id are inlined into msg.Content when
// they are at or below the size threshold (successive IMAP round trips are
// more expensive than the bigger payload); above it they are listed as
// attachments carrying their content-id. Nested message/* parts are listed
// under their subject. Parts explicitly disposed as attachments are listed
// under their filename. Everything else belongs to the content extractor.
func collectAttachments(msg *types.MessageWithFolder, root *enmime.Part, sizeThreshold int64) []*types.Attachment {
	return appendAttachments(nil, msg, root, sizeThreshold)
}

func appendAttachments(attachments []*types.Attachment, msg *types.MessageWithFolder, mp *enmime.Part, sizeThreshold int64) []*types.Attachment {
	for bp := mp.FirstChild; bp != nil; bp = bp.NextSibling {
		ctype := strings.ToLower(bp.ContentType)
		switch {
		case strings.HasPrefix(ctype, multipartMimeType):
			attachments = appendAttachments(attachments, msg, bp, sizeThreshold)
		case strings.HasPrefix(ctype, "image/") && bp.ContentID != "":
			size := int64(len(bp.Content))
			if size <= sizeThreshold {
				msg.Content = inlineEmbeddedImage(msg.Content, bp)
			} else {
				attachments = append(attachments, &types.Attachment{
					ContentID:   strings.Trim(bp.ContentID, "<>"),
					FileName:    bp.FileName,
					ContentType: bp.ContentType,
					Size:        size,
				})
			}
		case strings.HasPrefix(ctype, "message/"):
			attachments = append(attachments, &types.Attachment{
				FileName:    nestedSubject(bp),
				ContentType: bp.ContentType,
				Size:        int64(len(bp.Content)),
			})
		case strings.EqualFold(bp.Disposition, "attachment"):
			attachments = append(attachments, &types.Attachment{
				FileName:    bp.FileName,
				ContentType: bp.ContentType,
				Size:        int64(len(bp.Content)),
			})
		}
	}
	return attachments
}

// nestedSubject resolves the subject of an embedded message/* part, which
// substitutes for a filename these parts usually lack.
func nestedSubject(part *enmime.Part) string {
	if env, err := enmime.ReadEnvelope(bytes.NewReader(part.Content)); err == nil {
		if subject := env.GetHeader("Subject"); subject != "" {
			return subject
		}
	}
	return part.FileName
}

// findPart locates the part a client later asks back for, using the same
// traversal the collector used. Content-id addressing matches image/*
// parts anywhere in the tree; name addressing matches only parts disposed
// as attachments, by filename or, for message/* parts, by nested subject.
// Returns nil when nothing matches.
func findPart(root *enmime.Part, id string, isContentID bool) *enmime.Part {
	if root == nil {
		return nil
	}
	if isContentID {
		return findEmbeddedPart(root, id)
	}
	return findAttachmentPart(root, id)
}

func findEmbeddedPart(mp *enmime.Part, contentID string) *enmime.Part {
	for bp := mp.FirstChild; bp != nil; bp = bp.NextSibling {
		ctype := strings.ToLower(bp.ContentType)
		if strings.HasPrefix(ctype, multipartMimeType) {
			if nested := findEmbeddedPart(bp, contentID); nested != nil {
				return nested
			}
		}
		if strings.HasPrefix(ctype, "image/") && strings.Trim(bp.ContentID, "<>") == contentID {
			return bp
		}
	}
	return nil
}

func findAttachmentPart(mp *enmime.Part, id string) *enmime.Part {
	for bp := mp.FirstChild; bp != nil; bp = bp.NextSibling {
		ctype := strings.ToLower(bp.ContentType)
		if strings.HasPrefix(ctype, multipartMimeType) {
			if nested := findAttachmentPart(bp, id); nested != nil {
				return nested
			}
			continue
		}
		if !strings.EqualFold(bp.Disposition, "attachment") {
			continue
		}
		if bp.FileName == id {
			return bp
		}
		if strings.HasPrefix(ctype, "message/") && nestedSubject(bp) == id {
			return bp
		}
	}
	return nil
}

// GetAttachment fetches the message body and returns the raw bytes and
// declared content type of the addressed part. A part that does not exist
// surfaces as a NotFoundError, never as a generic failure.
func (m *Manager) GetAttachment(ctx context.Context, creds *types.Credentials, ref types.FolderRef, uid uint32, id string, isContentID bool) (string, []byte, error) {
	path, err := ref.Path()
	if err != nil {
		return "", nil, &NotFoundError{Resource: "folder"}
	}

	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return "", nil, err
	}
	handle, err := s.openFolder(conn, path, true)
	if err != nil {
		return "", nil, err
	}
	defer s.closeFolder(conn, handle)

	root, err := s.fetchBodyTree(conn, uid, true)
	if err != nil {
		return "", nil, err
	}
	part := findPart(root, id, isContentID)
	if part == nil {
		return "", nil, &NotFoundError{Resource: "attachment " + id}
	}
	return part.ContentType, part.Content, nil
}
