package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sheerbytes/safesend/internal/resume"
)

var (
	// ErrProtocol indicates an unexpected or malformed message. Fatal to the
	// connection and never retried by the receiver.
	ErrProtocol = errors.New("protocol error")
	// ErrVersionMismatch indicates the peers speak different protocol versions.
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrProtocol)
	// ErrConnection indicates the stream failed or closed mid-transfer.
	ErrConnection = errors.New("connection error")
	// ErrRetriesExhausted indicates a chunk went unacknowledged too many times.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCompletion indicates DONE was not confirmed with DONE_OK.
	ErrCompletion = errors.New("completion not confirmed")
	// ErrStaleResume indicates stored partial data belonged to a different
	// version of the file; the receiver has discarded it.
	ErrStaleResume = errors.New("stale resume state")
	// ErrIntegrity indicates the assembled file failed the size or digest check.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrScan indicates the malware scanner could not classify the file.
	ErrScan = errors.New("malware scan failed")
	// ErrSource indicates the local file could not be opened or read.
	ErrSource = errors.New("source unreadable")
)

// Messages carried in ERR replies.
const (
	errMsgBadHello        = "bad HELLO"
	errMsgVersionMismatch = "version_mismatch"
	errMsgExpectedResume  = "expected RESUME?"
	errMsgExpectedMeta    = "expected META"
	errMsgInvalidName     = "invalid filename"
	errMsgBusy            = "busy"
	errMsgNameMismatch    = "filename mismatch"
	errMsgStaleResume     = "stale_resume"
	errMsgOutOfRange      = "chunk out of range"
	errMsgUnexpected      = "unexpected"
	errMsgSizeMismatch    = "size_mismatch"
	errMsgDigestMismatch  = "digest_mismatch"
	errMsgScanFailed      = "scan_failed"
	errMsgInternal        = "internal error"
)

// RemoteError is an ERR reply received from the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Unwrap classifies the reply for errors.Is.
func (e *RemoteError) Unwrap() error {
	switch {
	case strings.HasPrefix(e.Message, errMsgVersionMismatch):
		return ErrVersionMismatch
	case e.Message == errMsgStaleResume:
		return ErrStaleResume
	case e.Message == errMsgBusy:
		return resume.ErrBusy
	case e.Message == errMsgSizeMismatch, e.Message == errMsgDigestMismatch:
		return ErrIntegrity
	case e.Message == errMsgScanFailed:
		return ErrScan
	default:
		return ErrProtocol
	}
}

// IsRetryable reports whether restarting the whole transfer may succeed.
// Local file errors never are, even when they carry an errno.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrSource) {
		return false
	}
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrStaleResume) ||
		errors.Is(err, resume.ErrBusy) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrScan)
}
