// Package termio serializes terminal output. Progress redraws and log lines
// come from different goroutines; routing both through one queue per stream
// keeps a line from being split by another.
package termio

import (
	"io"
	"os"
	"sync"
)

type item struct {
	buf   []byte
	flush chan struct{}
}

type writer struct {
	file *os.File
	out  io.Writer
	ch   chan item
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- item{buf: buf}
	return len(p), nil
}

// File returns the terminal file behind the writer, if any.
func (w *writer) File() *os.File {
	return w.file
}

// flush blocks until every write queued before it has reached out.
func (w *writer) flush() {
	done := make(chan struct{})
	w.ch <- item{flush: done}
	<-done
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

// Init starts the output queues. It is safe to call more than once.
func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout, os.Stdout)
		global.stderr = newWriter(os.Stderr, os.Stderr)
	})
}

func newWriter(f *os.File, out io.Writer) *writer {
	w := &writer{
		file: f,
		out:  out,
		ch:   make(chan item, 1024),
	}
	go func() {
		for it := range w.ch {
			if it.flush != nil {
				close(it.flush)
				continue
			}
			_, _ = w.out.Write(it.buf)
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush waits until queued output has been written. Call it before exiting.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}
