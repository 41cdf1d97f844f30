package recorder

import (
	"bufio"
	"io"
)

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxLineSize     int
}

// Reader decodes journal records sequentially.
type Reader struct {
	sc   *bufio.Scanner
	opts ReaderOptions
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = defaultMaxLineSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), opts.MaxLineSize)
	return &Reader{sc: sc, opts: opts}
}

// Next returns the next record body. Blank lines are skipped.
// The body is only valid until the next call to Next.
func (r *Reader) Next() ([]byte, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return decodeRecord(line, !r.opts.DisableChecksum)
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
