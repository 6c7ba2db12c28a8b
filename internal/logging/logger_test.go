package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNewAddsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "safesend-test", "debug")
	log.WithField("file", "a.bin").Debug("hello")

	out := buf.String()
	assert.Contains(t, out, "app=safesend-test")
	assert.Contains(t, out, "pid=")
	assert.Contains(t, out, "file=a.bin")
	assert.Contains(t, out, "msg=hello")
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "safesend-test", "warn")
	log.Info("quiet")
	assert.Empty(t, buf.String())
	log.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}
