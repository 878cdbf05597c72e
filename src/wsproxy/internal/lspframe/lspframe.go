// Package lspframe implements the length-prefixed framing used on a language
// server's stdio streams. Payloads are opaque bytes to this package, so
// messages cross the proxy without re-encoding.
package lspframe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
)

const _headerContentLength = "content-length:"

const _readerBufferSize = 64 * 1024

// Encode wraps a payload in a Content-Length header to form a complete frame.
func Encode(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+32)
	frame = append(frame, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))...)
	frame = append(frame, payload...)
	return frame
}

// Reader decodes frames from a stdio stream. Reads block until a full frame
// is available, accepting arbitrary chunking by the source.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader which decodes frames arriving on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, _readerBufferSize)}
}

// ReadFrame returns the payload of the next frame on the stream, exactly as
// many bytes as its header declares. It returns io.EOF when the stream ends
// on a frame boundary, and a FramingError when the stream ends mid-frame or
// carries a malformed or missing Content-Length header.
func (r *Reader) ReadFrame() ([]byte, error) {
	contentLength := -1
	headerRead := false

	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !headerRead && len(line) == 0 {
				return nil, io.EOF
			}
			return nil, &errors.FramingError{Reason: "stream closed mid-header", Cause: err}
		}
		headerRead = true

		line = strings.TrimSpace(line)
		if len(line) == 0 {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), _headerContentLength) {
			value := strings.TrimSpace(line[len(_headerContentLength):])
			length, err := strconv.Atoi(value)
			if err != nil || length < 0 {
				return nil, &errors.FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", value)}
			}
			contentLength = length
		}
		// Other header fields (e.g. Content-Type) are not interpreted.
	}

	if contentLength < 0 {
		return nil, &errors.FramingError{Reason: "missing Content-Length header"}
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &errors.FramingError{Reason: "stream closed mid-payload", Cause: err}
	}
	return payload, nil
}

// Writer encodes payloads as frames onto a stdio stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer which frames payloads onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one complete frame containing payload. Each frame goes
// out as a single write so concurrent callers never interleave mid-frame.
func (w *Writer) WriteFrame(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
