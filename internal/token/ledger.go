package token

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"pwk.dev/kernel/internal/errs"
)

var bucketConsumed = []byte("consumed_tokens")

// Ledger is the shared first-use-only record of consumed token_ids. Vault
// and Export both consult the same ledger file so a token scoped loosely
// enough to satisfy either cannot be spent twice across them.
type Ledger struct {
	db *bolt.DB
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "open token ledger %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConsumed)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "init token ledger buckets")
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Consume records tokenID as spent for usedFor (an envelope_id, or
// "export:<from>-<to>" for an export). It fails if the token has already been consumed.
func (l *Ledger) Consume(tokenID string, usedFor string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsumed)
		if b.Get([]byte(tokenID)) != nil {
			return replayError(tokenID)
		}
		return b.Put([]byte(tokenID), []byte(usedFor))
	})
}

// UsedFor reports whether tokenID was already consumed and, if so, what for.
func (l *Ledger) UsedFor(tokenID string) (string, bool, error) {
	var usedFor string
	var ok bool
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConsumed).Get([]byte(tokenID))
		if v != nil {
			usedFor = string(v)
			ok = true
		}
		return nil
	})
	return usedFor, ok, err
}
