package email

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/devgold123/isotope-mail/pkg/types"
)

const (
	// The destination may still be materializing the copy when it is
	// re-opened; poll a few times before concluding nothing arrived.
	moveRetries    = 5
	moveRetryDelay = 100 * time.Millisecond
)

// MoveMessages moves the messages identified by UID from one folder to
// another. IMAP offers no atomic move that is universally supported, so
// the move is a COPY, a \Deleted store and an expunge on the source,
// followed by a bounded poll of the destination for UIDs at or above the
// UIDNEXT watermark recorded before the copy. UIDs that no longer resolve
// in the source are silently dropped. An empty result after exhausted
// retries is not an error: some servers assign the copies outside the
// watched range. The returned summaries may include messages other
// clients appended concurrently.
func (m *Manager) MoveMessages(ctx context.Context, creds *types.Credentials, fromRef, toRef types.FolderRef, uids []uint32) ([]*types.MessageWithFolder, error) {
	fromPath, err := fromRef.Path()
	if err != nil {
		return nil, &NotFoundError{Resource: "folder"}
	}
	toPath, err := toRef.Path()
	if err != nil {
		return nil, &NotFoundError{Resource: "folder"}
	}

	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}

	// Record where new UIDs will start appearing in the destination.
	destHandle, err := s.openFolder(conn, toPath, true)
	if err != nil {
		return nil, err
	}
	watermark := destHandle.data.UIDNext
	s.closeFolder(conn, destHandle)
	if watermark == 0 {
		// Server did not report UIDNEXT; watch the whole folder.
		watermark = 1
	}

	srcHandle, err := s.openFolder(conn, fromPath, false)
	if err != nil {
		return nil, err
	}

	live, err := resolveLiveUIDs(conn, uids)
	if err != nil {
		s.closeFolder(conn, srcHandle)
		return nil, err
	}

	if len(live) > 0 {
		set := toUIDSet(live)
		if _, err := conn.Copy(set, toPath).Wait(); err != nil {
			s.closeFolder(conn, srcHandle)
			return nil, protocolErr("copying messages", err)
		}
		if err := conn.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close(); err != nil {
			s.closeFolder(conn, srcHandle)
			return nil, protocolErr("marking messages deleted", err)
		}
		if err := expungeUIDs(conn, set); err != nil {
			s.closeFolder(conn, srcHandle)
			return nil, err
		}
	}
	s.closeFolder(conn, srcHandle)

	destHandle, err = s.openFolder(conn, toPath, true)
	if err != nil {
		return nil, err
	}
	defer s.closeFolder(conn, destHandle)

	arrived, err := s.pollNewUIDs(ctx, conn, watermark)
	if err != nil {
		return nil, err
	}
	if len(arrived) == 0 {
		return []*types.MessageWithFolder{}, nil
	}

	bufs, err := conn.Fetch(arrived, envelopeOptions(false)).Collect()
	if err != nil {
		return nil, protocolErr("fetching moved messages", err)
	}
	folderID := types.NewFolderRef(toPath)
	ret := make([]*types.MessageWithFolder, 0, len(bufs))
	for _, buf := range bufs {
		ret = append(ret, &types.MessageWithFolder{
			Message:  *messageFromBuffer(buf),
			FolderID: folderID,
		})
	}
	return ret, nil
}

// resolveLiveUIDs filters the requested UIDs down to the ones that still
// exist in the selected folder. Already-expunged references are dropped,
// not errors.
func resolveLiveUIDs(conn *imapclient.Client, uids []uint32) ([]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	bufs, err := conn.Fetch(toUIDSet(uids), &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, protocolErr("resolving messages", err)
	}
	exists := make(map[uint32]bool, len(bufs))
	for _, buf := range bufs {
		exists[uint32(buf.UID)] = true
	}
	live := make([]uint32, 0, len(bufs))
	for _, uid := range uids {
		if exists[uid] {
			live = append(live, uid)
		}
	}
	return live, nil
}

// expungeUIDs removes exactly the given messages when the server supports
// UIDPLUS, falling back to a full expunge of the folder's \Deleted set.
func expungeUIDs(conn *imapclient.Client, set imap.UIDSet) error {
	var err error
	if conn.Caps().Has(imap.CapUIDPlus) {
		err = conn.UIDExpunge(set).Close()
	} else {
		err = conn.Expunge().Close()
	}
	if err != nil {
		return protocolErr("expunging messages", err)
	}
	return nil
}

// pollNewUIDs watches the destination for UIDs at or above the watermark,
// up to moveRetries attempts spaced moveRetryDelay apart. Cancellation
// between attempts surfaces as a CancellationError; exhausting the
// retries yields an empty set.
func (s *session) pollNewUIDs(ctx context.Context, conn *imapclient.Client, watermark imap.UID) (imap.UIDSet, error) {
	watched := imap.UIDSet{imap.UIDRange{Start: watermark, Stop: 0}}
	for attempt := 0; attempt < moveRetries; attempt++ {
		bufs, err := conn.Fetch(watched, &imap.FetchOptions{UID: true}).Collect()
		if err != nil {
			return nil, protocolErr("polling destination folder", err)
		}
		// A <watermark>:* fetch also matches the highest pre-existing
		// UID when nothing new has arrived; keep only genuinely new
		// messages so the retry loop actually retries.
		var arrived imap.UIDSet
		for _, buf := range bufs {
			if buf.UID >= watermark {
				arrived.AddNum(buf.UID)
			}
		}
		if len(arrived) > 0 {
			return arrived, nil
		}
		if attempt == moveRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &CancellationError{Err: ctx.Err()}
		case <-time.After(moveRetryDelay):
		}
	}
	s.logger.WithField("watermark", watermark).Debug("No messages observed in destination after move")
	return nil, nil
}
