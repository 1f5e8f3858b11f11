package lfo

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrSessionBusy    = errors.New("lfo: session busy")
	ErrSessionFailed  = errors.New("lfo: session failed")
	ErrResponseClosed = errors.New("lfo: response closed")

	ErrProtocol = errors.New("lfo: protocol violation")
	ErrDecode   = errors.New("lfo: decode failed")
	ErrNotFound = errors.New("lfo: file not found")

	ErrUnsupportedCompression = errors.New("lfo: unsupported compression format")

	// ErrIntegrity is the parent of failures of the delivered content itself.
	// They fail one request but leave the session usable.
	ErrIntegrity        = errors.New("lfo: content integrity")
	ErrDecompress       = fmt.Errorf("%w: decompression failed", ErrIntegrity)
	ErrDigestMismatch   = fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	ErrInvalidFinalSize = fmt.Errorf("%w: final size mismatch", ErrIntegrity)
)

// ServerError carries the message of a ReplyFail frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "lfo: server error: " + e.Message
}

type DigestMismatchError struct {
	Expected [32]byte
	Actual   []byte
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("lfo: digest mismatch: expected %s, computed %s",
		hex.EncodeToString(e.Expected[:]), hex.EncodeToString(e.Actual))
}

func (e *DigestMismatchError) Unwrap() error {
	return ErrDigestMismatch
}

// fatal reports whether err leaves the stream position unknown.
func fatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrDecode)
}
