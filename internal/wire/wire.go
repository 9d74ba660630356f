// Package wire implements the minimal framed envelope that the connection
// manager sends over its TCP transport.
//
// The rest of the package treats message bodies as opaque bytes — the real
// wire codec (framing, length prefixes, byte order of application payloads
// such as AttachCompletionInfo or PipBuildRequest) is an external collaborator
// assumed to be provided by a generated binary-protocol serializer. This
// package only supplies the thin common envelope every call needs: a header
// (sender identity, build session, checksum), a trace id, and a request/
// response/cancel/error discriminator, so the module is self-contained and
// testable.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
)

// Header is the common prefix carried by every call.
type Header struct {
	// SenderName is informational.
	SenderName string
	// SenderID is a short opaque string tied to the connection manager's
	// lifetime: a random UUID drawn once when the manager is created. It is
	// not derived from any call identifier.
	SenderID string
	// BuildID identifies the distributed build session. Receivers reject
	// requests whose BuildID does not match their own build session.
	// When build-session signing is enabled this carries a signed token
	// rather than a bare string — see internal/buildsession.
	BuildID string
	// Checksum is assigned by the sender and verified by the receiver.
	Checksum uint32
}

// Checksum computes the payload checksum the sender assigns and the
// receiver verifies. CRC32 is sufficient — the checksum exists to catch
// transport-level corruption, not to provide cryptographic integrity.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Kind discriminates the frames multiplexed over one connection.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindCancel
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindCancel:
		return "Cancel"
	case KindError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrorCode classifies a KindError frame so the caller's orchestrator can map
// it onto its own failure taxonomy without parsing error strings.
type ErrorCode string

const (
	ErrCodeNone             ErrorCode = ""
	ErrCodeTransient        ErrorCode = "transient"
	ErrCodeFatal            ErrorCode = "fatal"
	ErrCodeShutdown         ErrorCode = "shutdown"
	ErrCodeBuildIDMismatch  ErrorCode = "build_id_mismatch"
	ErrCodeChecksumMismatch ErrorCode = "checksum_mismatch"
)

// Frame is one message multiplexed over a connection. Seq ties a Response,
// Cancel, or Error frame back to the Request that started it; TraceID is the
// call identifier that threads through logs on both sides of the wire.
type Frame struct {
	Seq     uint64
	Kind    Kind
	Method  string
	TraceID uuid.UUID
	Header  Header
	Payload []byte
	ErrCode ErrorCode
	ErrMsg  string
}

// maxFrameLen bounds a single frame body to guard against a corrupt length
// prefix turning into an unbounded allocation.
const maxFrameLen = 64 << 20

// WriteFrame writes one length-prefixed, gob-encoded frame to w.
// Callers must serialize writes to the same w themselves (see
// internal/transport, which holds a per-connection write mutex) — gob
// encoders are not safe for concurrent use on a shared writer.
func WriteFrame(w io.Writer, f *Frame) error {
	var buf bufferPool
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed, gob-encoded frame from r.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	var f Frame
	dec := gob.NewDecoder(newByteReader(body))
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return &f, nil
}

// bufferPool is a tiny growable byte buffer; avoids pulling in bytes.Buffer
// just for its Write method semantics (kept local and unexported since it is
// only used to size the length prefix before writing the body).
type bufferPool struct {
	data []byte
}

func (b *bufferPool) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufferPool) Bytes() []byte { return b.data }
func (b *bufferPool) Len() int      { return len(b.data) }

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
