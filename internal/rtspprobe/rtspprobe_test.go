package rtspprobe

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRTSPServer simulates one TCP connection: it replies 401+challenge to
// CSeq 1, then inspects the Authorization header on CSeq 2 and replies 200
// iff it looks like a well-formed Digest header.
func fakeRTSPServer(t *testing.T, requireAuthOK bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)

		readRequest(t, reader)
		conn.Write([]byte("RTSP/1.0 401 Unauthorized\r\nCSeq: 1\r\nWWW-Authenticate: Digest realm=\"IPC\", nonce=\"abc\", qop=\"auth\"\r\n\r\n"))

		lines := readRequest(t, reader)
		hasAuth := false
		for _, l := range lines {
			if strings.HasPrefix(strings.ToLower(l), "authorization:") && strings.Contains(l, "Digest") {
				hasAuth = true
			}
		}
		if requireAuthOK && hasAuth {
			conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 2\r\n\r\n"))
		} else {
			conn.Write([]byte("RTSP/1.0 403 Forbidden\r\nCSeq: 2\r\n\r\n"))
		}
	}()

	return ln.Addr().String()
}

func readRequest(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func TestProbe_DigestAuthSuccess(t *testing.T) {
	addr := fakeRTSPServer(t, true)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	url := "rtsp://admin:12345@" + host + ":" + port + "/Streaming/Channels/101"

	res, err := Probe(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.RequiresAuth)
	assert.Equal(t, "Digest", res.AuthType)
	assert.Equal(t, 200, res.StatusCode)
}

func TestProbe_InvalidURL(t *testing.T) {
	_, err := Probe(context.Background(), "not-a-url", 5*time.Second)
	require.Error(t, err)
}

func TestProbe_ZeroTimeoutIsImmediateTimeout(t *testing.T) {
	res, err := Probe(context.Background(), "rtsp://127.0.0.1:1/x", 0)
	require.Error(t, err)
	assert.Equal(t, "timeout", res.Outcome)
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	host, port, _ := net.SplitHostPort(addr)
	res, err := Probe(context.Background(), "rtsp://"+host+":"+port+"/x", 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, "connection_refused", res.Outcome)
}
