// Package chainstore is the append-only, hash-chained bbolt primitive that
// backs both the Sealed Log and the Conformance Alarm Table. Both
// components need the same shape: dense monotonic seq, prev_hash
// continuity, atomic append, O(1) head read, ordered range scan. They
// differ only in the domain-separation tag and the payload type, so the
// chain mechanics live here once and each caller supplies its own codec.
//
// Storage layout follows a bucket-per-concern bbolt convention: one bucket
// for records keyed by big-endian seq (bbolt iterates keys in byte order,
// so big-endian keys give seq order for free, the same trick a
// height-ordered block index relies on), one bucket for the persisted head
// pointer.
package chainstore

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

var (
	bucketRecords = []byte("records_by_seq")
	bucketHead    = []byte("head")
	keyHeadSeq    = []byte("seq")
	keyHeadHash   = []byte("hash")
)

// Record is one chained entry: a monotonic seq, the hash of the previous
// record (all-zero for seq 0), the caller's encoded payload, the record's
// own hash, and a signature over that hash.
type Record struct {
	Seq        uint64
	PrevHash   crypto.Digest
	Payload    []byte
	RecordHash crypto.Digest
	Signature  []byte
}

// Head is the persisted chain tip.
type Head struct {
	Seq  uint64
	Hash crypto.Digest
}

// Signer produces a signature over a 32-byte digest (identity.Kernel
// satisfies this without chainstore needing to import it).
type Signer interface {
	Sign(digest crypto.Digest) []byte
}

// Store is one hash-chained bbolt-backed log, domain-tagged so two Stores
// sharing a process can never have their records confused for one another.
// Cross-log ordering between two Stores is not guaranteed and must not be
// relied upon. Separate domain tags make that explicit rather than
// accidental.
type Store struct {
	db        *bolt.DB
	domainTag string
	signer    Signer
}

// Open opens (creating if absent) a chainstore at path, domain-tagged.
func Open(path string, domainTag string, signer Signer) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "chainstore: open %s", path)
	}
	s := &Store{db: db, domainTag: domainTag, signer: signer}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHead)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "chainstore: init buckets")
	}
	if err := s.repairTornTail(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Head returns the current chain tip. A store with no records has Seq==0,
// Hash==all-zero. The prev_hash of record 0 is always an all-zero digest.
func (s *Store) Head() (Head, error) {
	var h Head
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHead)
		seqRaw := b.Get(keyHeadSeq)
		hashRaw := b.Get(keyHeadHash)
		if seqRaw == nil {
			return nil // empty chain
		}
		h.Seq = binary.BigEndian.Uint64(seqRaw)
		copy(h.Hash[:], hashRaw)
		return nil
	})
	if err != nil {
		return Head{}, errs.Wrap(errs.StorageFailure, err, "chainstore: read head")
	}
	return h, nil
}

// Empty reports whether any record has ever been appended.
func (s *Store) Empty() (bool, error) {
	var empty bool
	err := s.db.View(func(tx *bolt.Tx) error {
		empty = tx.Bucket(bucketHead).Get(keyHeadSeq) == nil
		return nil
	})
	return empty, err
}

// Append computes record_hash = H(domain_tag‖seq‖prev_hash‖payload),
// signs it, and persists the record as a single bbolt transaction:
// commit-or-abort, no partial record can ever be observed.
func (s *Store) Append(payload []byte) (Record, error) {
	var rec Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		headB := tx.Bucket(bucketHead)
		var nextSeq uint64
		var prevHash crypto.Digest
		if raw := headB.Get(keyHeadSeq); raw != nil {
			nextSeq = binary.BigEndian.Uint64(raw) + 1
			copy(prevHash[:], headB.Get(keyHeadHash))
		}

		seqBytes := seqKey(nextSeq)
		recordHash := crypto.Hash(s.domainTag, seqBytes, prevHash[:], payload)
		sig := s.signer.Sign(recordHash)

		rec = Record{Seq: nextSeq, PrevHash: prevHash, Payload: payload, RecordHash: recordHash, Signature: sig}
		encoded := encodeRecord(rec)

		recordsB := tx.Bucket(bucketRecords)
		if recordsB.Get(seqBytes) != nil {
			return fmt.Errorf("chainstore: seq %d already present", nextSeq)
		}
		if err := recordsB.Put(seqBytes, encoded); err != nil {
			return err
		}
		if err := headB.Put(keyHeadSeq, seqBytes); err != nil {
			return err
		}
		return headB.Put(keyHeadHash, recordHash[:])
	})
	if err != nil {
		return Record{}, errs.Wrap(errs.StorageFailure, err, "chainstore: append")
	}
	if err := s.db.Sync(); err != nil {
		return Record{}, errs.Wrap(errs.StorageFailure, err, "chainstore: fsync after append")
	}
	return rec, nil
}

// Get fetches the record at seq, if present.
func (s *Store) Get(seq uint64) (Record, bool, error) {
	var rec Record
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(seqKey(seq))
		if v == nil {
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		r.Seq = seq
		rec = r
		ok = true
		return nil
	})
	if err != nil {
		return Record{}, false, errs.Wrap(errs.StorageFailure, err, "chainstore: get seq %d", seq)
	}
	return rec, ok, nil
}

// Range iterates records with seq in [fromSeq, toSeq] (inclusive), calling
// fn in seq order. fn returning an error stops iteration and the error is
// returned.
func (s *Store) Range(fromSeq, toSeq uint64, fn func(Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if seq > toSeq {
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			rec.Seq = seq
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Divergence describes the first point at which a chain fails to verify.
type Divergence struct {
	Seq    uint64
	Reason string
}

// Verify recomputes record_hash and checks the signature and prev_hash
// continuity for every record in [fromSeq, head]. It terminates at the
// persisted head or returns the first divergence found;
// no claims are made about records beyond the first mismatch.
func (s *Store) Verify(fromSeq uint64, verifySig func(digest crypto.Digest, sig []byte) bool) (*Divergence, error) {
	head, err := s.Head()
	if err != nil {
		return nil, err
	}
	empty, err := s.Empty()
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	var expectPrev crypto.Digest
	if fromSeq > 0 {
		prevRec, ok, err := s.Get(fromSeq - 1)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Divergence{Seq: fromSeq, Reason: "missing predecessor record"}, nil
		}
		expectPrev = prevRec.RecordHash
	}

	var divergence *Divergence
	err = s.Range(fromSeq, head.Seq, func(r Record) error {
		if divergence != nil {
			return nil
		}
		if r.PrevHash != expectPrev {
			divergence = &Divergence{Seq: r.Seq, Reason: "prev_hash discontinuity"}
			return nil
		}
		wantHash := crypto.Hash(s.domainTag, seqKey(r.Seq), r.PrevHash[:], r.Payload)
		if wantHash != r.RecordHash {
			divergence = &Divergence{Seq: r.Seq, Reason: "record_hash mismatch"}
			return nil
		}
		if !verifySig(r.RecordHash, r.Signature) {
			divergence = &Divergence{Seq: r.Seq, Reason: "signature invalid"}
			return nil
		}
		expectPrev = r.RecordHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return divergence, nil
}

// repairTornTail discards any trailing record whose presence in the
// records bucket is inconsistent with the persisted head. That is the only
// way a crash between "persist rec" and "update head" can leave visible
// state, since head update happens in the same
// transaction as the record write; a torn write below the bbolt page level
// is caught by bbolt's own transaction atomicity, so this only needs to
// trim anything strictly past the recorded head.
func (s *Store) repairTornTail() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		headB := tx.Bucket(bucketHead)
		seqRaw := headB.Get(keyHeadSeq)
		recordsB := tx.Bucket(bucketRecords)
		if seqRaw == nil {
			// No committed head: any record present is torn.
			c := recordsB.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if err := recordsB.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}
		headSeq := binary.BigEndian.Uint64(seqRaw)
		c := recordsB.Cursor()
		for k, _ := c.Seek(seqKey(headSeq + 1)); k != nil; k, _ = c.Next() {
			if err := recordsB.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
