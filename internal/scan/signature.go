package scan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sheerbytes/safesend/internal/bufpool"
)

// EICAR is the industry-standard antivirus test string.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

const scanBlockSize = 64 * 1024

var blockPool = bufpool.New(scanBlockSize)

// Signature is a named byte pattern.
type Signature struct {
	Name    string
	Pattern []byte
}

// SignatureScanner streams a file and reports the first known pattern found.
type SignatureScanner struct {
	sigs    []Signature
	longest int
}

// NewSignatureScanner returns a scanner for sigs, or for the EICAR test
// string when none are given.
func NewSignatureScanner(sigs ...Signature) *SignatureScanner {
	if len(sigs) == 0 {
		sigs = []Signature{{Name: "Eicar-Test-Signature", Pattern: []byte(EICAR)}}
	}
	s := &SignatureScanner{sigs: sigs}
	for _, sig := range sigs {
		if len(sig.Pattern) > s.longest {
			s.longest = len(sig.Pattern)
		}
	}
	return s
}

// Scan reads path block by block. The last longest-1 bytes of each block are
// carried into the next so patterns spanning a boundary still match.
func (s *SignatureScanner) Scan(ctx context.Context, path string) (Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to open for scan: %w", err)
	}
	defer f.Close()

	block := blockPool.Get()
	defer blockPool.Put(block)

	carry := s.longest - 1
	if carry < 0 {
		carry = 0
	}
	window := make([]byte, 0, carry+len(block))
	for {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		n, err := f.Read(block)
		if n > 0 {
			window = append(window, block[:n]...)
			for _, sig := range s.sigs {
				if len(sig.Pattern) > 0 && bytes.Contains(window, sig.Pattern) {
					return Verdict{Infected: true, Message: sig.Name}, nil
				}
			}
			if len(window) > carry {
				window = append(window[:0], window[len(window)-carry:]...)
			}
		}
		if err == io.EOF {
			return Verdict{Message: "clean"}, nil
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to read for scan: %w", err)
		}
	}
}
