package stt

import (
	"errors"
	"fmt"
	"io"
)

// ReadChunks reads r sequentially in size-byte windows and hands each one to
// fn in order. The final window may be shorter. The slice passed to fn is
// reused between calls. It returns the number of bytes delivered.
func ReadChunks(r io.Reader, size int, fn func([]byte) error) (int64, error) {
	if size < 1 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	buf := make([]byte, size)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			total += int64(n)
			if ferr := fn(buf[:n]); ferr != nil {
				return total, ferr
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, err
		}
	}
}
