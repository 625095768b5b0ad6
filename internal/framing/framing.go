// Package framing implements the Content-Length framing used on a language
// server's stdio.
//
// A frame is a block of header lines terminated by CR LF CR LF, followed by
// exactly Content-Length bytes of UTF-8 body. Only Content-Length is
// interpreted; any other header is ignored.
package framing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "github.com/guseggert/procbridge/internal/errors"
)

const contentLengthHeader = "content-length:"

// maxHeaderBytes bounds how much we read looking for the header terminator.
const maxHeaderBytes = 64 << 10

// MaxBodyBytes is the largest Content-Length accepted from a peer.
const MaxBodyBytes = 256 << 20

var headerTerminator = []byte("\r\n\r\n")

// Encode returns body prefixed with its Content-Length header.
// The length is the body's byte length, not its character count.
func Encode(body []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	return append(frame, body...)
}

// WriteMessage writes one framed message to w with a single Write call.
func WriteMessage(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}

// Reader decodes framed messages.
// Header and body are exposed as separate steps so a caller guarding the
// underlying stream with a lock can release it between them.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadHeader consumes header bytes up to and including CR LF CR LF and returns the
// declared Content-Length.
//
// Stream errors are returned wrapped, so errors.Is(err, io.EOF) holds at end of
// stream. A header without a usable Content-Length returns an ErrProtocol error;
// the header has been consumed and the reader does not try to resynchronize.
func (r *Reader) ReadHeader() (int, error) {
	var header []byte
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(header) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("reading header: %w", err)
		}
		header = append(header, b)
		if bytes.HasSuffix(header, headerTerminator) {
			break
		}
		if len(header) > maxHeaderBytes {
			return 0, apperrors.Protocol(fmt.Sprintf("header exceeds %d bytes", maxHeaderBytes), nil)
		}
	}
	return parseContentLength(header)
}

func parseContentLength(header []byte) (int, error) {
	var (
		length int
		found  bool
	)
	for _, line := range strings.Split(string(header), "\r\n") {
		if len(line) < len(contentLengthHeader) || !strings.EqualFold(line[:len(contentLengthHeader)], contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[len(contentLengthHeader):]))
		if err != nil {
			return 0, apperrors.Protocol("unparseable Content-Length", err)
		}
		length, found = n, true
	}
	if !found {
		return 0, apperrors.Protocol("missing Content-Length", nil)
	}
	if length <= 0 {
		return 0, apperrors.Protocol(fmt.Sprintf("invalid Content-Length %d", length), nil)
	}
	if length > MaxBodyBytes {
		return 0, apperrors.Protocol(fmt.Sprintf("Content-Length %d exceeds %d bytes", length, MaxBodyBytes), nil)
	}
	return length, nil
}

// ReadBody reads exactly n body bytes. A body that is not valid UTF-8 is consumed
// and reported as an ErrProtocol error.
func (r *Reader) ReadBody(n int) ([]byte, error) {
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if !utf8.Valid(body) {
		return nil, apperrors.Protocol("body is not valid UTF-8", nil)
	}
	return body, nil
}

// ReadMessage reads one complete frame and returns its body.
func (r *Reader) ReadMessage() ([]byte, error) {
	n, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	return r.ReadBody(n)
}
