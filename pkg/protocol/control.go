package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version announced in HELLO.
const Version = 1

// Control verbs.
const (
	VerbHello       = "HELLO"
	VerbResumeQuery = "RESUME?"
	VerbResume      = "RESUME"
	VerbMeta        = "META"
	VerbReady       = "READY"
	VerbDone        = "DONE"
	VerbDoneOK      = "DONE_OK"
	VerbErr         = "ERR"
)

// ErrMalformedControl indicates a control line that does not parse as the expected verb.
var ErrMalformedControl = errors.New("malformed control line")

// Meta declares the file being transferred.
type Meta struct {
	Name   string
	Size   int64
	Digest string
}

// Verb returns the first space-separated token of a control line.
func Verb(line string) string {
	verb, _, _ := strings.Cut(line, " ")
	return verb
}

// Hello formats "HELLO <version>".
func Hello(version int) string {
	return VerbHello + " " + strconv.Itoa(version)
}

// ParseHello parses "HELLO <version>".
func ParseHello(line string) (int, error) {
	arg, ok := argOf(line, VerbHello)
	if !ok {
		return 0, malformed(VerbHello, line)
	}
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, malformed(VerbHello, line)
	}
	return v, nil
}

// ResumeQuery formats "RESUME? <name>".
func ResumeQuery(name string) string {
	return VerbResumeQuery + " " + name
}

// ParseResumeQuery parses "RESUME? <name>". The name is everything after the
// verb, so it may contain spaces.
func ParseResumeQuery(line string) (string, error) {
	name, ok := argOf(line, VerbResumeQuery)
	if !ok || name == "" {
		return "", malformed(VerbResumeQuery, line)
	}
	return name, nil
}

// Resume formats "RESUME <offset>".
func Resume(offset int64) string {
	return VerbResume + " " + strconv.FormatInt(offset, 10)
}

// ParseResume parses "RESUME <offset>" and rejects negative offsets.
func ParseResume(line string) (int64, error) {
	arg, ok := argOf(line, VerbResume)
	if !ok {
		return 0, malformed(VerbResume, line)
	}
	off, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || off < 0 {
		return 0, malformed(VerbResume, line)
	}
	return off, nil
}

// MetaLine formats "META <name> <size> <digest>".
func MetaLine(m Meta) string {
	return fmt.Sprintf("%s %s %d %s", VerbMeta, m.Name, m.Size, m.Digest)
}

// ParseMeta parses "META <name> <size> <digest>". Size and digest are taken
// from the end of the line so names with spaces survive.
func ParseMeta(line string) (Meta, error) {
	rest, ok := argOf(line, VerbMeta)
	if !ok {
		return Meta{}, malformed(VerbMeta, line)
	}
	i := strings.LastIndexByte(rest, ' ')
	if i <= 0 {
		return Meta{}, malformed(VerbMeta, line)
	}
	digest := rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndexByte(rest, ' ')
	if j <= 0 {
		return Meta{}, malformed(VerbMeta, line)
	}
	size, err := strconv.ParseInt(rest[j+1:], 10, 64)
	if err != nil || size < 0 {
		return Meta{}, malformed(VerbMeta, line)
	}
	name := rest[:j]
	if name == "" || digest == "" {
		return Meta{}, malformed(VerbMeta, line)
	}
	return Meta{Name: name, Size: size, Digest: strings.ToLower(digest)}, nil
}

// ErrLine formats "ERR <message>".
func ErrLine(msg string) string {
	return VerbErr + " " + msg
}

// ParseErr returns the message of an "ERR <message>" line.
func ParseErr(line string) (string, bool) {
	if line == VerbErr {
		return "", true
	}
	return argOf(line, VerbErr)
}

func argOf(line, verb string) (string, bool) {
	rest, ok := strings.CutPrefix(line, verb+" ")
	if !ok {
		return "", false
	}
	return rest, true
}

func malformed(verb, line string) error {
	return fmt.Errorf("%w: expected %s, got %q", ErrMalformedControl, verb, line)
}
