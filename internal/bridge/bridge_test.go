package bridge

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/sshmux/internal/engine"
)

// memStream serves scripted reads and records writes. A nil chunk in reads
// yields one ErrWouldBlock.
type memStream struct {
	reads   [][]byte
	readErr error

	out        bytes.Buffer
	writeMax   int
	blockEvery int
	writes     int
	writeErr   error

	closedWrite bool
	closed      bool
}

func (m *memStream) Read(p []byte) (int, error) {
	if len(m.reads) == 0 {
		if m.readErr != nil {
			return 0, m.readErr
		}
		return 0, engine.ErrWouldBlock
	}
	chunk := m.reads[0]
	if chunk == nil {
		m.reads = m.reads[1:]
		return 0, engine.ErrWouldBlock
	}
	n := copy(p, chunk)
	if n == len(chunk) {
		m.reads = m.reads[1:]
	} else {
		m.reads[0] = chunk[n:]
	}
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes++
	if m.blockEvery > 0 && m.writes%m.blockEvery == 0 {
		return 0, engine.ErrWouldBlock
	}
	if m.writeMax > 0 && len(p) > m.writeMax {
		p = p[:m.writeMax]
	}
	return m.out.Write(p)
}

func (m *memStream) CloseWrite() error {
	m.closedWrite = true
	return nil
}

func (m *memStream) Close() error {
	m.closed = true
	return nil
}

func run(t *testing.T, b *Bridge) {
	t.Helper()
	for i := 0; b.Step(); i++ {
		if i > 1000 {
			t.Fatal("bridge did not finish")
		}
	}
}

func TestBridgePumpsAndHalfCloses(t *testing.T) {
	t.Parallel()

	local := &memStream{reads: [][]byte{[]byte("hel"), nil, []byte("lo")}, readErr: io.EOF}
	remote := &memStream{reads: [][]byte{nil, []byte("world")}, readErr: io.EOF}

	b := New(local, remote)
	run(t, b)

	assert.Equal(t, "hello", remote.out.String())
	assert.Equal(t, "world", local.out.String())
	assert.True(t, remote.closedWrite)
	assert.True(t, local.closedWrite)
	require.NoError(t, b.Err())

	out, in := b.State()
	assert.Equal(t, FlowClosed, out)
	assert.Equal(t, FlowClosed, in)

	nOut, nIn := b.Bytes()
	assert.Equal(t, int64(5), nOut)
	assert.Equal(t, int64(5), nIn)
}

func TestBridgeRetriesPartialWrites(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 100)
	local := &memStream{reads: [][]byte{payload}, readErr: io.EOF}
	remote := &memStream{readErr: io.EOF, writeMax: 7, blockEvery: 3}

	b := New(local, remote)
	run(t, b)

	assert.Equal(t, payload, remote.out.Bytes())
	assert.True(t, remote.closedWrite)
}

func TestBridgeHalfClosedKeepsOtherDirection(t *testing.T) {
	t.Parallel()

	local := &memStream{readErr: io.EOF}
	remote := &memStream{reads: [][]byte{nil, nil, []byte("late")}}

	b := New(local, remote)
	require.True(t, b.Step())

	out, in := b.State()
	assert.Equal(t, FlowClosed, out)
	assert.Equal(t, FlowOpen, in)
	assert.True(t, remote.closedWrite)

	for range 3 {
		b.Step()
	}
	assert.Equal(t, "late", local.out.String())
	assert.False(t, b.Finished())
}

func TestBridgeErrorFinishes(t *testing.T) {
	t.Parallel()

	boom := errors.New("reset")
	local := &memStream{reads: [][]byte{[]byte("x")}}
	remote := &memStream{writeErr: boom}

	b := New(local, remote)
	assert.False(t, b.Step())
	assert.ErrorIs(t, b.Err(), boom)
}

func TestBridgeCloseOwnsLocalOnly(t *testing.T) {
	t.Parallel()

	local := &memStream{}
	remote := &memStream{}

	b := New(local, remote)
	assert.True(t, b.Step())
	require.NoError(t, b.Close())

	assert.True(t, b.IsClosed())
	assert.True(t, local.closed)
	assert.False(t, remote.closed)
	assert.False(t, b.Step())
}
