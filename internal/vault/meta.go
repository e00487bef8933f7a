package vault

import (
	"encoding/binary"

	"pwk.dev/kernel/internal/crypto"
	"pwk.dev/kernel/internal/errs"
)

func encodeMeta(m EnvelopeMeta) []byte {
	buf := make([]byte, 8+len(m.Mode))
	binary.BigEndian.PutUint64(buf[:8], m.BucketStart)
	copy(buf[8:], m.Mode)
	return buf
}

func decodeMeta(b []byte) (EnvelopeMeta, error) {
	if len(b) < 8 {
		return EnvelopeMeta{}, errs.New(errs.IntegrityFailure, "vault index: truncated meta record")
	}
	return EnvelopeMeta{
		BucketStart: binary.BigEndian.Uint64(b[:8]),
		Mode:        crypto.Suite(b[8:]),
	}, nil
}
