package console

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmctl/internal/testutil"
)

type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func TestEscapeReader(t *testing.T) {
	tests := []struct {
		name    string
		chunks  [][]byte
		want    string
		escaped bool
	}{
		{name: "plain", chunks: [][]byte{[]byte("hello world")}, want: "hello world"},
		{name: "single escape passes through", chunks: [][]byte{{EscapeChar, 'a', 'b'}}, want: "\x1dab"},
		{name: "double escape", chunks: [][]byte{{EscapeChar, EscapeChar}}, escaped: true},
		{name: "escape after data", chunks: [][]byte{{'a', 'b', EscapeChar, EscapeChar, 'c'}}, want: "ab", escaped: true},
		{name: "escape split across reads", chunks: [][]byte{{'a', EscapeChar}, {EscapeChar}}, want: "a", escaped: true},
		{name: "held escape flushed on eof", chunks: [][]byte{{'a', EscapeChar}}, want: "a\x1d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewEscapeReader(&chunkReader{chunks: tt.chunks})
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))

			select {
			case <-r.Escaped():
				assert.True(t, tt.escaped, "unexpected escape")
			default:
				assert.False(t, tt.escaped, "escape not detected")
			}
		})
	}
}

func TestEscapeReaderTimeoutResets(t *testing.T) {
	clock := &stepClock{t: time.Unix(0, 0)}
	src := &chunkReader{chunks: [][]byte{{EscapeChar}, {EscapeChar, 'x'}}}
	r := newEscapeReader(src, clock.now)

	// Advance the clock past the timeout on every read.
	r.r = readerFunc(func(p []byte) (int, error) {
		n, err := src.Read(p)
		clock.t = clock.t.Add(EscapeTimeout + time.Millisecond)
		return n, err
	})

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "\x1d\x1dx", string(buf[:n]))

	select {
	case <-r.Escaped():
		t.Fatal("escape sequence should not span the timeout")
	default:
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestEscapeReaderStaysAtEOF(t *testing.T) {
	r := NewEscapeReader(bytes.NewReader([]byte{EscapeChar, EscapeChar, 'z'}))
	buf := make([]byte, 8)
	for i := 0; i < 2; i++ {
		n, err := r.Read(buf)
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
	}
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestSocketRelaysConsole(t *testing.T) {
	path := testutil.SocketPath(t, "console.sock")
	s, err := Listen(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, inW, outR) }()

	first, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer first.Close()

	_, err = first.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", readN(t, inR, 5))

	_, err = outW.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", readN(t, first, 5))

	second, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", readN(t, inR, 5))

	// The replaced client is disconnected.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = first.Read(make([]byte, 1))
	require.Error(t, err)

	cancel()
	require.NoError(t, <-done)
	outW.Close()
}

func TestSocketDropsStalledClient(t *testing.T) {
	path := testutil.SocketPath(t, "console.sock")
	s, err := Listen(path, nil)
	require.NoError(t, err)
	s.writeTimeout = 50 * time.Millisecond

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer outW.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, inW, outR) }()

	// stalled never reads its console output.
	stalled, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer stalled.Close()
	_, err = stalled.Write([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", readN(t, inR, 1))

	// Far more output than the socket buffers hold.
	flooded := make(chan error, 1)
	go func() {
		_, err := outW.Write(make([]byte, 8<<20))
		flooded <- err
	}()
	select {
	case err := <-flooded:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("console output blocked behind a client that does not read")
	}

	fresh, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer fresh.Close()
	_, err = fresh.Write([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "b", readN(t, inR, 1))

	_, err = outW.Write([]byte("live"))
	require.NoError(t, err)
	assert.Equal(t, "live", readN(t, fresh, 4))

	cancel()
	require.NoError(t, <-done)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := testutil.SocketPath(t, "console.sock")
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	s, err := Listen(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
