// Package librarytest builds small audio fixtures for tests.
package librarytest

import (
	"bytes"
	"encoding/binary"
)

// FLAC returns a minimal FLAC stream: a STREAMINFO block followed by a final
// VORBIS_COMMENT block carrying the given KEY=value comments.
func FLAC(comments ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("fLaC")

	// STREAMINFO, not last, 34 bytes
	buf.Write([]byte{0x00, 0x00, 0x00, 34})
	buf.Write(make([]byte, 34))

	var vc bytes.Buffer
	vendor := "pmpsync test"
	binary.Write(&vc, binary.LittleEndian, uint32(len(vendor)))
	vc.WriteString(vendor)
	binary.Write(&vc, binary.LittleEndian, uint32(len(comments)))
	for _, c := range comments {
		binary.Write(&vc, binary.LittleEndian, uint32(len(c)))
		vc.WriteString(c)
	}

	// VORBIS_COMMENT (type 4) with the last-block bit set
	n := vc.Len()
	buf.Write([]byte{0x80 | 0x04, byte(n >> 16), byte(n >> 8), byte(n)})
	buf.Write(vc.Bytes())
	return buf.Bytes()
}
