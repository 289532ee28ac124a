package ftp

import (
	"io"

	"github.com/pkg/errors"
)

// ReaderInput adapts r to the chunk producer expected by Upload. The
// returned chunk is reused between calls. A nil r yields a nil InputFunc,
// which Upload rejects before sending anything.
func ReaderInput(r io.Reader) InputFunc {
	if r == nil {
		return nil
	}
	var buf []byte
	return func(max int) ([]byte, error) {
		if cap(buf) < max {
			buf = make([]byte, max)
		}
		n, err := io.ReadAtLeast(r, buf[:max], 1)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read upload source")
		}
		return buf[:n], nil
	}
}

// WriterOutput adapts w to the progress callback expected by Download.
// Write errors are ignored; use Retrieve when they matter. A nil w yields a
// nil ProgressFunc.
func WriterOutput(w io.Writer) ProgressFunc {
	if w == nil {
		return nil
	}
	return func(n int, _ int64, chunk []byte) {
		if n > 0 {
			_, _ = w.Write(chunk)
		}
	}
}

// writerSink copies downloaded chunks to w and stops the transfer on the
// first write error.
type writerSink struct {
	w   io.Writer
	err error
}

func (s *writerSink) write(n int, _ int64, chunk []byte) {
	if s.err != nil || n == 0 {
		return
	}
	if _, err := s.w.Write(chunk); err != nil {
		s.err = errors.Wrap(err, "write download destination")
	}
}

func (s *writerSink) stop(cancelled CancelledFunc) CancelledFunc {
	return func() bool {
		return s.err != nil || (cancelled != nil && cancelled())
	}
}
