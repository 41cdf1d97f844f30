package recorder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"hash/crc32"
)

// A record is one line: eight hex digits of the CRC-32C of the body, a tab,
// then the body. Bodies must not contain newlines.

const (
	recordChecksumSize = 8
	recordSeparator    = '\t'
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrChecksumMismatch = errors.New("journal checksum mismatch")
	ErrMalformedRecord  = errors.New("journal malformed record")
	ErrRecordNewline    = errors.New("journal record contains newline")
)

func checksum(body []byte) uint32 {
	return crc32.Checksum(body, crcTable)
}

func encodeRecord(dst, body []byte) []byte {
	var sum [4]byte
	c := checksum(body)
	sum[0], sum[1], sum[2], sum[3] = byte(c>>24), byte(c>>16), byte(c>>8), byte(c)
	var hexSum [recordChecksumSize]byte
	hex.Encode(hexSum[:], sum[:])
	dst = append(dst, hexSum[:]...)
	dst = append(dst, recordSeparator)
	dst = append(dst, body...)
	return append(dst, '\n')
}

func decodeRecord(line []byte, verify bool) ([]byte, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < recordChecksumSize+1 || line[recordChecksumSize] != recordSeparator {
		return nil, ErrMalformedRecord
	}
	body := line[recordChecksumSize+1:]
	if !verify {
		return body, nil
	}
	var sum [4]byte
	if _, err := hex.Decode(sum[:], line[:recordChecksumSize]); err != nil {
		return nil, ErrMalformedRecord
	}
	expected := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	if checksum(body) != expected {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}
