// Package scan classifies an assembled file as clean or infected.
package scan

import (
	"context"
	"fmt"
	"time"
)

// Verdict is the outcome of a successful scan.
type Verdict struct {
	Infected bool
	Message  string // signature name or scanner reply
}

// Scanner inspects the file at path. An error means the file could not be
// classified; it is never treated as clean.
type Scanner interface {
	Scan(ctx context.Context, path string) (Verdict, error)
}

// Func adapts a function to Scanner.
type Func func(ctx context.Context, path string) (Verdict, error)

// Scan calls f.
func (f Func) Scan(ctx context.Context, path string) (Verdict, error) {
	return f(ctx, path)
}

// Nop reports every file clean.
type Nop struct{}

// Scan returns a clean verdict.
func (Nop) Scan(context.Context, string) (Verdict, error) {
	return Verdict{Message: "not scanned"}, nil
}

// Scanner kinds accepted by New.
const (
	KindNone      = "none"
	KindSignature = "signature"
	KindClamd     = "clamd"
)

// New builds a scanner by kind.
func New(kind, clamdAddr string, timeout time.Duration) (Scanner, error) {
	switch kind {
	case KindNone:
		return Nop{}, nil
	case "", KindSignature:
		return NewSignatureScanner(), nil
	case KindClamd:
		return NewClamdScanner(clamdAddr, timeout)
	default:
		return nil, fmt.Errorf("unknown scanner %q", kind)
	}
}
