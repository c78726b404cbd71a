package storage

import "encoding/binary"

// Composite on-disk keys pack a user key and its version seqno into a
// single bbolt key so a KVS bucket can hold every live version of a key
// and still iterate in sorted user-key order. A naive concatenation of
// (userKey, seqno) breaks lexicographic ordering whenever one user key is
// a byte-prefix of another, so the user key is escaped first: every 0x00
// byte becomes 0x00 0xFF, and the escaped key is closed with a 0x00 0x00
// terminator that cannot appear inside any escaped key. That guarantees
// encode(A) < encode(B) in bbolt's byte order iff A < B, for any A, B.
//
// The version suffix stores ^seqno (bitwise complement) so that, for a
// fixed user key, larger real seqnos sort first — a forward bbolt seek to
// (key, view) lands directly on the newest version visible at that view.

func escapeKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+2)
	for _, b := range key {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	return append(out, 0x00, 0x00)
}

// encodeVersionKey builds the full composite key for (userKey, seqno).
func encodeVersionKey(userKey []byte, seqno uint64) []byte {
	esc := escapeKey(userKey)
	out := make([]byte, len(esc)+8)
	copy(out, esc)
	binary.BigEndian.PutUint64(out[len(esc):], ^seqno)
	return out
}

// seekKey builds the composite key bbolt should seek to in order to find
// the newest version of userKey visible at or before view: since inverted
// seqnos sort ascending for descending real seqnos, this is exactly the
// escaped key followed by the inverted view seqno.
func seekKey(userKey []byte, view uint64) []byte {
	return encodeVersionKey(userKey, view)
}

// escapedPrefix escapes prefix like escapeKey but without the terminator,
// so every composite key whose user key starts with prefix begins with the
// result; used to seek to and bound a prefix scan.
func escapedPrefix(prefix []byte) []byte {
	out := make([]byte, 0, len(prefix))
	for _, b := range prefix {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// splitVersionKey decodes a composite key back into its user key and real
// seqno. It assumes k was produced by encodeVersionKey.
func splitVersionKey(k []byte) (userKey []byte, seqno uint64) {
	suffix := k[len(k)-8:]
	esc := k[:len(k)-10] // drop the 8-byte suffix and the 0x00 0x00 terminator
	userKey = unescapeKey(esc)
	seqno = ^binary.BigEndian.Uint64(suffix)
	return userKey, seqno
}

func unescapeKey(esc []byte) []byte {
	out := make([]byte, 0, len(esc))
	for i := 0; i < len(esc); i++ {
		if esc[i] == 0x00 && i+1 < len(esc) && esc[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		out = append(out, esc[i])
	}
	return out
}
