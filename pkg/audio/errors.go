package audio

import "fmt"

// FormatError reports an audio buffer that cannot be interpreted in the
// declared format (empty, misaligned, or an unsupported layout). The frame it
// describes is dropped; the stream itself stays usable.
type FormatError struct {
	Format Format
	Len    int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: invalid %s buffer (%d bytes): %s", e.Format, e.Len, e.Reason)
}

// ConnectError reports a failed handshake with a remote party: authentication,
// room join, or speech endpoint dial. No retry is implied.
type ConnectError struct {
	// Op names the failing step, e.g. "join room" or "dial speech".
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("audio: connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamError reports a failure of an established stream, e.g. a websocket
// closed mid-session or a track write that failed.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("audio: stream: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
