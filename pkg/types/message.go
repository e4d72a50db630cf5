package types

import "time"

// Message is the envelope summary of a single mail message. ModSeq is set
// only when the folder tracks modification sequences and the caller asked
// for the watermark.
type Message struct {
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderEmail string    `json:"sender_email,omitempty"`
	Recipients  []string  `json:"recipients,omitempty"`
	Date        time.Time `json:"date"`
	Size        int64     `json:"size"`
	Seen        bool      `json:"seen"`
	Flagged     bool      `json:"flagged"`
	Deleted     bool      `json:"deleted"`
	ModSeq      *uint64   `json:"modseq,omitempty"`
}

// MessageWithFolder is a Message plus its owning folder, the rendered
// content and the classified attachments.
type MessageWithFolder struct {
	Message
	FolderID    FolderRef     `json:"folder_id"`
	Content     string        `json:"content,omitempty"`
	Attachments []*Attachment `json:"attachments,omitempty"`
}

// Attachment describes a MIME part offered for download. Inline-embeddable
// image parts carry a ContentID and no usable FileName identity; everything
// else is addressed by FileName (the nested message subject substitutes for
// message/* parts).
type Attachment struct {
	ContentID   string `json:"content_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}
