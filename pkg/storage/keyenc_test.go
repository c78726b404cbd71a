package storage

import (
	"bytes"
	"sort"
	"testing"
)

func TestEncodeVersionKeyPreservesUserKeyOrdering(t *testing.T) {
	keys := [][]byte{[]byte("a"), []byte("aa"), []byte("ab"), []byte("b"), {0x00}, {0x00, 0x01}}
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	encoded := make([][]byte, len(sorted))
	for i, k := range sorted {
		encoded[i] = encodeVersionKey(k, 1)
	}
	for i := 1; i < len(encoded); i++ {
		if bytes.Compare(encoded[i-1], encoded[i]) >= 0 {
			t.Fatalf("encoded ordering broken between %q and %q", sorted[i-1], sorted[i])
		}
	}
}

func TestEncodeVersionKeyNewerSeqnoSortsFirst(t *testing.T) {
	key := []byte("k")
	older := encodeVersionKey(key, 5)
	newer := encodeVersionKey(key, 10)
	if bytes.Compare(newer, older) >= 0 {
		t.Fatalf("expected newer-seqno encoding to sort before older-seqno encoding")
	}
}

func TestSplitVersionKeyRoundTrips(t *testing.T) {
	for _, tc := range []struct {
		key   []byte
		seqno uint64
	}{
		{[]byte("hello"), 42},
		{[]byte{0x00, 0x01, 0x00}, 7},
		{[]byte(""), 100},
	} {
		enc := encodeVersionKey(tc.key, tc.seqno)
		gotKey, gotSeqno := splitVersionKey(enc)
		if !bytes.Equal(gotKey, tc.key) || gotSeqno != tc.seqno {
			t.Fatalf("round trip mismatch: got (%q, %d), want (%q, %d)", gotKey, gotSeqno, tc.key, tc.seqno)
		}
	}
}

func TestSeekKeyLandsBeforeOlderVersions(t *testing.T) {
	key := []byte("k")
	v5 := encodeVersionKey(key, 5)
	v10 := encodeVersionKey(key, 10)
	seek := seekKey(key, 7)
	if bytes.Compare(seek, v10) <= 0 {
		t.Fatalf("seek(view=7) should sort after the seqno=10 version")
	}
	if bytes.Compare(seek, v5) >= 0 {
		t.Fatalf("seek(view=7) should sort before the seqno=5 version")
	}
}
