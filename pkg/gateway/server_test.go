package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/faasgate/pkg/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func writeFuncConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "func_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"funcName": "hello", "funcId": 7}]`), 0o644))
	return path
}

func TestNewServerValidation(t *testing.T) {
	logger := testLogger()
	_, err := NewServer(Config{}, nil, logger)
	assert.Error(t, err)

	_, err = NewServer(Config{
		ListenAddr:     "127.0.0.1",
		EngineConnPort: 1,
		HTTPPort:       2,
		FuncConfigFile: "/does/not/exist.json",
	}, nil, logger)
	assert.Error(t, err)

	_, err = NewServer(Config{
		ListenAddr:     "127.0.0.1",
		EngineConnPort: 1,
		HTTPPort:       2,
		FuncConfigFile: writeFuncConfig(t),
		SchedulePolicy: "mystery",
	}, nil, logger)
	assert.Error(t, err)
}

// End-to-end: engine connects with a handshake, a client posts a call, the
// engine executes and replies, the client sees the output.
func TestServerSyncCallEndToEnd(t *testing.T) {
	enginePort := freePort(t)
	httpPort := freePort(t)

	server, err := NewServer(Config{
		ListenAddr:     "127.0.0.1",
		EngineConnPort: enginePort,
		HTTPPort:       httpPort,
		Hostname:       "127.0.0.1",
		FuncConfigFile: writeFuncConfig(t),
	}, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	// Fake engine: handshake, then serve one call by upper-casing the input.
	engineReady := make(chan struct{})
	go func() {
		var conn net.Conn
		var dialErr error
		for i := 0; i < 100; i++ {
			conn, dialErr = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", enginePort))
			if dialErr == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if dialErr != nil {
			return
		}
		defer conn.Close()

		hs := protocol.NewEngineHandshake(1, 0)
		buf := make([]byte, protocol.HeaderSize)
		if err := hs.Encode(buf); err != nil {
			return
		}
		if _, err := conn.Write(buf); err != nil {
			return
		}
		close(engineReady)

		header := make([]byte, protocol.HeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		msg, err := protocol.Decode(header)
		if err != nil {
			return
		}
		payload := make([]byte, msg.PayloadSize)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		reply := protocol.NewFuncCallComplete(msg.FuncCall(), 42)
		out := []byte(strings.ToUpper(string(payload)))
		reply.PayloadSize = uint32(len(out))
		frame := make([]byte, protocol.HeaderSize+len(out))
		if err := reply.Encode(frame); err != nil {
			return
		}
		copy(frame[protocol.HeaderSize:], out)
		conn.Write(frame)

		// Keep the link open until the test is done.
		<-ctx.Done()
	}()

	select {
	case <-engineReady:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never connected")
	}

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/function/hello", httpPort),
		"application/octet-stream",
		strings.NewReader("hi"),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HI", string(body))

	cancel()
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
