package libchannel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriterLoggerLevelsAndFields(t *testing.T) {
	var out lockedBuffer
	l := NewWriterLogger(&out, LevelInfo).WithField("channel", "/messaging").WithField("attempt", 2)

	l.Debugf("hidden %d", 1)
	l.Infof("connected to %s", "chat")
	l.Warnln("slow")
	l.Error("boom")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "INFO [attempt=2, channel=/messaging]: connected to chat")
	assert.Contains(t, lines[1], "WARN")
	assert.True(t, strings.HasSuffix(lines[1], ": slow"))
	assert.Contains(t, lines[2], "ERROR")
	assert.NotContains(t, out.String(), "hidden")
}

func TestWriterLoggerChildDoesNotLeakFields(t *testing.T) {
	var out lockedBuffer
	parent := NewWriterLogger(&out, LevelDebug)
	_ = parent.WithField("child", true)

	parent.Info("plain")

	assert.NotContains(t, out.String(), "child")
}

func TestManagerLogsThroughInjectedLogger(t *testing.T) {
	var out lockedBuffer
	d := &fakeDialer{}
	m := newTestManager(t, d, testConfig(), WithLogger(NewWriterLogger(&out, LevelInfo)))

	require.NoError(t, m.Connect(context.Background(), "tok1"))

	assert.Contains(t, out.String(), "channel=/messaging")
	assert.Contains(t, out.String(), "connected successfully")
}
