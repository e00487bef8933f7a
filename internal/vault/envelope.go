package vault

import (
	"encoding/binary"

	"pwk.dev/kernel/internal/errs"
)

// EnvelopeVersion is the only header version this kernel writes or reads.
const EnvelopeVersion = 2

// Envelope is the on-disk v2 envelope:
//
//	{ version=2, aead_alg, nonce, aad, ciphertext,
//	  kem_alg?, kem_ct?, kdf_info?, classical_wrap? }
type Envelope struct {
	Version       uint8
	AEADAlg       string
	Nonce         []byte
	AAD           []byte
	Ciphertext    []byte
	KEMAlg        string
	KEMCiphertext []byte
	KDFInfo       []byte
	ClassicalWrap []byte
}

// Header field tags. Each field is tag(1) ‖ len(uint32, big-endian) ‖ value,
// mirroring chainstore's length-prefixed record codec. Optional fields are
// simply omitted when empty.
const (
	tagVersion       = 0x01
	tagAEADAlg       = 0x02
	tagNonce         = 0x03
	tagAAD           = 0x04
	tagCiphertext    = 0x05
	tagKEMAlg        = 0x06
	tagKEMCiphertext = 0x07
	tagKDFInfo       = 0x08
	tagClassicalWrap = 0x09
)

func putField(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(value)))
	buf = append(buf, l[:]...)
	buf = append(buf, value...)
	return buf
}

// Encode serializes the envelope header and ciphertext into a single blob
// suitable for an atomic file write.
func (e Envelope) Encode() []byte {
	buf := make([]byte, 0, 64+len(e.Nonce)+len(e.AAD)+len(e.Ciphertext)+len(e.KEMCiphertext)+len(e.ClassicalWrap))
	buf = putField(buf, tagVersion, []byte{e.Version})
	buf = putField(buf, tagAEADAlg, []byte(e.AEADAlg))
	buf = putField(buf, tagNonce, e.Nonce)
	buf = putField(buf, tagAAD, e.AAD)
	buf = putField(buf, tagCiphertext, e.Ciphertext)
	if e.KEMAlg != "" {
		buf = putField(buf, tagKEMAlg, []byte(e.KEMAlg))
	}
	if len(e.KEMCiphertext) > 0 {
		buf = putField(buf, tagKEMCiphertext, e.KEMCiphertext)
	}
	if len(e.KDFInfo) > 0 {
		buf = putField(buf, tagKDFInfo, e.KDFInfo)
	}
	if len(e.ClassicalWrap) > 0 {
		buf = putField(buf, tagClassicalWrap, e.ClassicalWrap)
	}
	return buf
}

// Decode parses a header blob produced by Encode. An unrecognized or
// truncated field is an IntegrityFailure, not a panic. Corrupted envelopes
// must be reported, never silently patched.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	sawVersion := false
	for len(b) > 0 {
		if len(b) < 5 {
			return Envelope{}, errs.New(errs.IntegrityFailure, "envelope header: truncated field")
		}
		tag := b[0]
		length := binary.BigEndian.Uint32(b[1:5])
		b = b[5:]
		if uint32(len(b)) < length {
			return Envelope{}, errs.New(errs.IntegrityFailure, "envelope header: field length %d exceeds remaining %d", length, len(b))
		}
		value := b[:length]
		b = b[length:]
		switch tag {
		case tagVersion:
			if len(value) != 1 {
				return Envelope{}, errs.New(errs.IntegrityFailure, "envelope header: bad version field")
			}
			e.Version = value[0]
			sawVersion = true
		case tagAEADAlg:
			e.AEADAlg = string(value)
		case tagNonce:
			e.Nonce = append([]byte(nil), value...)
		case tagAAD:
			e.AAD = append([]byte(nil), value...)
		case tagCiphertext:
			e.Ciphertext = append([]byte(nil), value...)
		case tagKEMAlg:
			e.KEMAlg = string(value)
		case tagKEMCiphertext:
			e.KEMCiphertext = append([]byte(nil), value...)
		case tagKDFInfo:
			e.KDFInfo = append([]byte(nil), value...)
		case tagClassicalWrap:
			e.ClassicalWrap = append([]byte(nil), value...)
		default:
			return Envelope{}, errs.New(errs.IntegrityFailure, "envelope header: unknown field tag 0x%02x", tag)
		}
	}
	if !sawVersion || e.Version != EnvelopeVersion {
		return Envelope{}, errs.New(errs.IntegrityFailure, "envelope header: missing or unsupported version")
	}
	return e, nil
}
