package email

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/jhillyerd/enmime"

	"github.com/devgold123/isotope-mail/pkg/types"
)

// envelopeOptions is the batch fetch item set for message summaries.
func envelopeOptions(modseq bool) *imap.FetchOptions {
	return &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		RFC822Size:   true,
		InternalDate: true,
		ModSeq:       modseq,
	}
}

// ListMessages returns envelope summaries for the folder, most recent
// first. With both start and end set (1-based sequence numbers) the
// window is recomputed against the live message count before fetching;
// otherwise the whole folder is fetched. Envelope data is always fetched
// for the entire range in a single round trip. When fetchModseq is set
// and the folder tracks modification sequences, every summary carries the
// folder's change watermark.
func (m *Manager) ListMessages(ctx context.Context, creds *types.Credentials, ref types.FolderRef, start, end int, fetchModseq bool) ([]*types.Message, error) {
	path, err := ref.Path()
	if err != nil {
		return nil, &NotFoundError{Resource: "folder"}
	}

	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	handle, err := s.openFolder(conn, path, true)
	if err != nil {
		return nil, err
	}
	defer s.closeFolder(conn, handle)

	count := int(handle.data.NumMessages)
	if count == 0 {
		return []*types.Message{}, nil
	}

	var seqSet imap.SeqSet
	if start > 0 && end > 0 {
		// Counts may no longer match the window the client computed.
		start, end = recomputeWindow(start, end, count)
		seqSet.AddRange(uint32(start), uint32(end))
	} else {
		seqSet.AddRange(1, uint32(count))
	}

	// One FETCH for the whole range: chunking would let an untagged
	// EXPUNGE shift sequence numbers between round trips.
	condstore := conn.Caps().Has(imap.CapCondStore)
	bufs, err := conn.Fetch(seqSet, envelopeOptions(fetchModseq && condstore)).Collect()
	if err != nil {
		return nil, protocolErr("fetching messages", err)
	}

	var watermark *uint64
	if fetchModseq && condstore && len(bufs) > 0 {
		highest := handle.data.HighestModSeq
		if highest == 0 {
			// Folder does not report HIGHESTMODSEQ; the last message in
			// server order carries the freshest value.
			highest = bufs[len(bufs)-1].ModSeq
		}
		if highest > 0 {
			watermark = &highest
		}
	}

	messages := make([]*types.Message, 0, len(bufs))
	for _, buf := range bufs {
		msg := messageFromBuffer(buf)
		msg.ModSeq = watermark
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].UID > messages[j].UID })
	return messages, nil
}

// GetMessage fetches a single message with its rendered content and
// classified attachments, marking it seen as a side effect. Small
// embedded images are inlined into the content.
func (m *Manager) GetMessage(ctx context.Context, creds *types.Credentials, ref types.FolderRef, uid uint32) (*types.MessageWithFolder, error) {
	path, err := ref.Path()
	if err != nil {
		return nil, &NotFoundError{Resource: "folder"}
	}

	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	handle, err := s.openFolder(conn, path, false)
	if err != nil {
		return nil, err
	}
	defer s.closeFolder(conn, handle)

	section := &imap.FetchItemBodySection{}
	opts := envelopeOptions(false)
	opts.BodySection = []*imap.FetchItemBodySection{section}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	bufs, err := conn.Fetch(uidSet, opts).Collect()
	if err != nil {
		return nil, protocolErr("fetching message", err)
	}
	if len(bufs) == 0 {
		return nil, &NotFoundError{Resource: "message"}
	}
	buf := bufs[0]

	if err := conn.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close(); err != nil {
		return nil, protocolErr("marking message seen", err)
	}

	ret := &types.MessageWithFolder{
		Message:  *messageFromBuffer(buf),
		FolderID: types.NewFolderRef(path),
	}
	ret.Seen = true

	raw := buf.FindBodySection(section)
	if len(raw) > 0 {
		root, err := enmime.ReadParts(bytes.NewReader(raw))
		if err != nil {
			return nil, protocolErr("parsing message body", err)
		}
		ret.Content = extractContent(root)
		if strings.HasPrefix(strings.ToLower(root.ContentType), multipartMimeType) {
			ret.Attachments = collectAttachments(ret, root, m.cfg.EmbeddedImageSizeThreshold)
		}
	}
	return ret, nil
}

// SetMessagesSeen bulk-applies the seen flag and returns the updated
// summaries in the order the UIDs were supplied. UIDs that no longer
// resolve are skipped, consistent with how moves tolerate stale
// references.
func (m *Manager) SetMessagesSeen(ctx context.Context, creds *types.Credentials, ref types.FolderRef, seen bool, uids []uint32) ([]*types.MessageWithFolder, error) {
	path, err := ref.Path()
	if err != nil {
		return nil, &NotFoundError{Resource: "folder"}
	}

	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	handle, err := s.openFolder(conn, path, false)
	if err != nil {
		return nil, err
	}
	defer s.closeFolder(conn, handle)

	op := imap.StoreFlagsAdd
	if !seen {
		op = imap.StoreFlagsDel
	}
	uidSet := toUIDSet(uids)
	if err := conn.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close(); err != nil {
		return nil, protocolErr("updating message flags", err)
	}

	bufs, err := conn.Fetch(uidSet, envelopeOptions(false)).Collect()
	if err != nil {
		return nil, protocolErr("fetching updated messages", err)
	}
	byUID := make(map[uint32]*imapclient.FetchMessageBuffer, len(bufs))
	for _, buf := range bufs {
		byUID[uint32(buf.UID)] = buf
	}

	folderID := types.NewFolderRef(path)
	ret := make([]*types.MessageWithFolder, 0, len(uids))
	for _, uid := range uids {
		buf, ok := byUID[uid]
		if !ok {
			continue
		}
		ret = append(ret, &types.MessageWithFolder{
			Message:  *messageFromBuffer(buf),
			FolderID: folderID,
		})
	}
	return ret, nil
}

// fetchBodyTree fetches the raw message body by UID and parses it into a
// MIME part tree. Peek avoids flag side effects on read-only paths.
func (s *session) fetchBodyTree(conn *imapclient.Client, uid uint32, peek bool) (*enmime.Part, error) {
	section := &imap.FetchItemBodySection{Peek: peek}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	bufs, err := conn.Fetch(imap.UIDSetNum(imap.UID(uid)), opts).Collect()
	if err != nil {
		return nil, protocolErr("fetching message body", err)
	}
	if len(bufs) == 0 {
		return nil, &NotFoundError{Resource: "message"}
	}
	raw := bufs[0].FindBodySection(section)
	if len(raw) == 0 {
		return nil, &NotFoundError{Resource: "message"}
	}
	root, err := enmime.ReadParts(bytes.NewReader(raw))
	if err != nil {
		return nil, protocolErr("parsing message body", err)
	}
	return root, nil
}

// messageFromBuffer maps a fetched message buffer to a summary.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) *types.Message {
	msg := &types.Message{
		UID:  uint32(buf.UID),
		Size: buf.RFC822Size,
	}
	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		msg.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			msg.SenderName = from.Name
			msg.SenderEmail = from.Addr()
		}
		for _, addrs := range [][]imap.Address{buf.Envelope.To, buf.Envelope.Cc, buf.Envelope.Bcc} {
			for _, addr := range addrs {
				if a := addr.Addr(); a != "" {
					msg.Recipients = append(msg.Recipients, a)
				}
			}
		}
	}
	if msg.Date.IsZero() {
		msg.Date = buf.InternalDate
	}
	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			msg.Seen = true
		case imap.FlagFlagged:
			msg.Flagged = true
		case imap.FlagDeleted:
			msg.Deleted = true
		}
	}
	return msg
}

func toUIDSet(uids []uint32) imap.UIDSet {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}
