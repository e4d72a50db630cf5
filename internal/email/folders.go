package email

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/devgold123/isotope-mail/pkg/types"
)

// folderHandle is an open folder within a session. It is valid only for
// the duration of the operation that opened it.
type folderHandle struct {
	path     string
	readOnly bool
	data     *imap.SelectData
}

// openFolder selects the folder in the requested mode. A folder already
// selected in a compatible mode is reused: read-write satisfies a
// read-only request, never the other way around.
func (s *session) openFolder(conn *imapclient.Client, path string, readOnly bool) (*folderHandle, error) {
	if s.selected != nil && s.selected.path == path {
		if s.selected.readOnly == readOnly || !s.selected.readOnly {
			return s.selected, nil
		}
	}

	opts := &imap.SelectOptions{
		ReadOnly:  readOnly,
		CondStore: conn.Caps().Has(imap.CapCondStore),
	}
	data, err := conn.Select(path, opts).Wait()
	if err != nil {
		return nil, selectErr(path, err)
	}
	handle := &folderHandle{path: path, readOnly: readOnly, data: data}
	s.selected = handle
	return handle, nil
}

// selectErr classifies a SELECT failure. The server rejecting the
// mailbox with a NO status means it does not exist (or cannot be
// selected); anything else is a connection or protocol fault and must
// keep its underlying message.
func selectErr(path string, err error) error {
	var respErr *imap.Error
	if errors.As(err, &respErr) && respErr.Type == imap.StatusResponseTypeNo {
		return &NotFoundError{Resource: "folder " + path}
	}
	return protocolErr("selecting folder", err)
}

// closeFolder deselects the folder without expunging. Close failures are
// logged and swallowed so that cleanup on error paths cannot mask the
// original failure.
func (s *session) closeFolder(conn *imapclient.Client, handle *folderHandle) {
	if handle == nil || s.selected != handle {
		return
	}
	var err error
	if conn.Caps().Has(imap.CapUnselect) {
		err = conn.Unselect().Wait()
	} else {
		// CLOSE on a read-write mailbox expunges every \Deleted message,
		// including flags staged by other clients. Drop to read-only
		// first so CLOSE only deselects.
		if !handle.readOnly {
			if _, serr := conn.Select(handle.path, &imap.SelectOptions{ReadOnly: true}).Wait(); serr != nil {
				s.logger.WithError(serr).WithField("folder", handle.path).Error("Error reopening folder read-only before close")
			}
		}
		err = conn.UnselectAndExpunge().Wait()
	}
	if err != nil {
		s.logger.WithError(err).WithField("folder", handle.path).Error("Error closing folder")
	}
	s.selected = nil
}

// recomputeWindow adjusts a 1-based [start, end] message sequence window
// against the live message count. When messages were deleted underneath
// the client and end exceeds the count, the window is shifted down
// preserving its length, keeping "latest N" semantics stable. Only the
// lower bound is clamped; a folder smaller than the window yields a
// shorter page.
func recomputeWindow(start, end, count int) (int, int) {
	if end > count {
		start = count - (end - start)
		end = count
	}
	if start < 1 {
		start = 1
	}
	return start, end
}

// ListFolders lists the account's folders with their attributes and
// unread/total counts. With loadChildren the full hierarchy is fetched
// and assembled into a tree; otherwise only the top level is returned.
func (m *Manager) ListFolders(ctx context.Context, creds *types.Credentials, loadChildren bool) ([]*types.Folder, error) {
	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}

	pattern := "%"
	if loadChildren {
		pattern = "*"
	}
	listOpts := &imap.ListOptions{ReturnChildren: true}
	statusOpts := &imap.StatusOptions{NumMessages: true, NumUnseen: true}
	if conn.Caps().Has(imap.CapListStatus) {
		listOpts.ReturnStatus = statusOpts
	}

	listed, err := conn.List("", pattern, listOpts).Collect()
	if err != nil {
		return nil, protocolErr("listing folders", err)
	}

	folders := make([]*types.Folder, 0, len(listed))
	byPath := make(map[string]*types.Folder, len(listed))
	for _, data := range listed {
		folder := folderFromList(data)
		if folder.MessageCount == 0 && folder.UnreadMessageCount == 0 && data.Status == nil && selectable(data) {
			if status, err := conn.Status(data.Mailbox, statusOpts).Wait(); err == nil {
				applyStatus(folder, status)
			}
		}
		folders = append(folders, folder)
		byPath[data.Mailbox] = folder
	}

	if !loadChildren {
		return folders, nil
	}
	return assembleFolderTree(folders, byPath, listed), nil
}

// folderFromList maps a LIST response to a Folder.
func folderFromList(data *imap.ListData) *types.Folder {
	name := data.Mailbox
	if data.Delim != 0 {
		if idx := strings.LastIndex(data.Mailbox, string(data.Delim)); idx >= 0 {
			name = data.Mailbox[idx+1:]
		}
	}
	attrs := make([]string, 0, len(data.Attrs))
	for _, attr := range data.Attrs {
		attrs = append(attrs, string(attr))
	}
	folder := &types.Folder{
		FolderID:   types.NewFolderRef(data.Mailbox),
		Name:       name,
		FullName:   data.Mailbox,
		Attributes: attrs,
	}
	if data.Status != nil {
		applyStatus(folder, data.Status)
	}
	return folder
}

func applyStatus(folder *types.Folder, status *imap.StatusData) {
	if status.NumMessages != nil {
		folder.MessageCount = *status.NumMessages
	}
	if status.NumUnseen != nil {
		folder.UnreadMessageCount = *status.NumUnseen
	}
}

func selectable(data *imap.ListData) bool {
	for _, attr := range data.Attrs {
		if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
			return false
		}
	}
	return true
}

// assembleFolderTree nests each folder under its parent path. Folders
// whose parent was not listed stay at the top level, in stable name
// order. The resulting structure is a tree: every folder appears exactly
// once, owned by its parent.
func assembleFolderTree(folders []*types.Folder, byPath map[string]*types.Folder, listed []*imap.ListData) []*types.Folder {
	var roots []*types.Folder
	for i, data := range listed {
		folder := folders[i]
		parent := ""
		if data.Delim != 0 {
			if idx := strings.LastIndex(data.Mailbox, string(data.Delim)); idx >= 0 {
				parent = data.Mailbox[:idx]
			}
		}
		if p, ok := byPath[parent]; ok && parent != "" {
			p.Children = append(p.Children, folder)
		} else {
			roots = append(roots, folder)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].FullName < roots[j].FullName })
	for _, folder := range byPath {
		children := folder.Children
		sort.SliceStable(children, func(i, j int) bool { return children[i].FullName < children[j].FullName })
	}
	return roots
}
