package quorum

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pwk.dev/kernel/internal/errs"
)

// approvalDrop is the on-disk shape a trustee writes into
// <watchDir>/<request_id>/approvals/<trustee_label>.json to cast an
// approval out-of-band from the CLI.
type approvalDrop struct {
	TrusteePubHex string `json:"trustee_pub_hex"`
	SignatureHex  string `json:"signature_hex"`
}

// Watcher watches a break-glass drop-box directory tree and feeds any
// approval file it sees into a Coordinator. One Watcher serves all
// in-flight requests; each gets its own "<request_id>/approvals/"
// subdirectory.
type Watcher struct {
	coord         *Coordinator
	root          string
	currentBucket func() uint64
	fs            *fsnotify.Watcher
}

// NewWatcher creates a watcher rooted at dir. currentBucket supplies the
// caller's notion of wall-clock bucket at approval time, keeping this
// package free of its own clock reads.
func NewWatcher(coord *Coordinator, dir string, currentBucket func() uint64) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "create break-glass drop-box %s", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "init fsnotify watcher")
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "watch break-glass drop-box %s", dir)
	}
	return &Watcher{coord: coord, root: dir, currentBucket: currentBucket, fs: fsw}, nil
}

// WatchApprovalDir adds <requestID>/approvals to the watch set. Coordinator
// callers should call this right after Request() so drops for that request
// are picked up.
func (w *Watcher) WatchApprovalDir(requestID string) error {
	dir := filepath.Join(w.root, requestID, "approvals")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "create approval dir for %s", requestID)
	}
	if err := w.fs.Add(dir); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "watch approval dir for %s", requestID)
	}
	return nil
}

// Run processes filesystem events until the stop channel closes or the
// watcher's internal channel closes. onError, if non-nil, receives
// non-fatal per-file processing errors (a malformed drop must not take the
// whole watcher down).
func (w *Watcher) Run(stop <-chan struct{}, onError func(error)) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(ev.Name) == w.root {
				if err := w.WatchApprovalDir(filepath.Base(ev.Name)); err != nil && onError != nil {
					onError(err)
				}
				continue
			}
			if err := w.handleFile(ev.Name); err != nil && onError != nil {
				onError(err)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func (w *Watcher) Close() error { return w.fs.Close() }

func (w *Watcher) handleFile(path string) error {
	requestID := filepath.Base(filepath.Dir(filepath.Dir(path)))
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "read approval drop %s", path)
	}
	var drop approvalDrop
	if err := json.Unmarshal(raw, &drop); err != nil {
		return errs.Wrap(errs.QuorumFailure, err, "parse approval drop %s", path)
	}
	pub, err := hex.DecodeString(drop.TrusteePubHex)
	if err != nil {
		return errs.Wrap(errs.QuorumFailure, err, "decode trustee pubkey in %s", path)
	}
	sig, err := hex.DecodeString(drop.SignatureHex)
	if err != nil {
		return errs.Wrap(errs.QuorumFailure, err, "decode signature in %s", path)
	}
	_, err = w.coord.Approve(requestID, ed25519.PublicKey(pub), sig, w.currentBucket())
	return err
}
