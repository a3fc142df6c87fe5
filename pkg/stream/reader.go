package stream

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 4096

// Reader pumps a response body through a Decoder.
//
// Fragments are delivered to OnFragment in the exact order they were read.
// OnFirstByte fires once, before the first fragment, as soon as any byte of
// the body has arrived.
type Reader struct {
	BufferSize  int
	OnFirstByte func()
	OnFragment  func(fragment string)
}

// Consume reads body until EOF and returns the concatenated decoded text.
//
// The body is always closed before Consume returns. Cancelling ctx closes the
// body as well, which unblocks a pending Read; in that case ctx.Err() is
// returned and the text read so far is discarded by the caller.
func (r Reader) Consume(ctx context.Context, body io.ReadCloser) (string, error) {
	if body == nil {
		return "", NewEmptyBodyError("read", 0)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var closeOnce sync.Once
	closeBody := func() {
		closeOnce.Do(func() {
			if err := body.Close(); err != nil {
				log.Debug().Err(err).Str("component", "stream").Msg("closing response body")
			}
		})
	}
	defer closeBody()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBody()
		case <-done:
		}
	}()

	size := r.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	buf := make([]byte, size)

	var (
		dec     Decoder
		out     strings.Builder
		started bool
	)
	emit := func(fragment string) {
		if fragment == "" {
			return
		}
		out.WriteString(fragment)
		if r.OnFragment != nil {
			r.OnFragment(fragment)
		}
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !started {
				started = true
				if r.OnFirstByte != nil {
					r.OnFirstByte()
				}
			}
			emit(dec.Decode(buf[:n]))
		}
		if err == io.EOF {
			emit(dec.Flush())
			return out.String(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &TransportError{Op: "read", Err: err}
		}
	}
}
