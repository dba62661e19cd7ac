package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signalgate/internal/config"
)

// freeAddr grabs an ephemeral port and releases it so the server under test
// can bind it.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testServerConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	return cfg
}

// startServer runs the server until the test ends and blocks until it
// reports ready.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down in time")
		}
	})

	readyURL := fmt.Sprintf("http://%s/readyz", cfg.Admin.Address)
	require.Eventually(t, func() bool {
		resp, err := http.Get(readyURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server never became ready")

	return srv
}

func adminGET(t *testing.T, cfg *config.Config, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", cfg.Admin.Address, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerEndToEnd(t *testing.T) {
	cfg := testServerConfig(t)
	startServer(t, cfg)

	code, _ := adminGET(t, cfg, "/startz")
	assert.Equal(t, http.StatusOK, code)

	code, body := adminGET(t, cfg, "/statusz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "healthy")

	conn, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/ws", cfg.Server.Address), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(frame{Type: frameJoin, Seq: 1}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, frameAck, got.Type)

	code, body = adminGET(t, cfg, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "signalgate_connections_admitted_total 1")
	assert.Contains(t, body, "signalgate_active_connections 1")
}

func TestServerRejectsOutsideWSPath(t *testing.T) {
	cfg := testServerConfig(t)
	startServer(t, cfg)

	resp, err := http.Get(fmt.Sprintf("http://%s/other", cfg.Server.Address))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerReloadTightensPerIPCap(t *testing.T) {
	cfg := testServerConfig(t)
	srv := startServer(t, cfg)

	wsAddr := fmt.Sprintf("ws://%s/ws", cfg.Server.Address)
	conn, resp, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	newCfg := config.Defaults()
	newCfg.Server.Address = cfg.Server.Address
	newCfg.Admin.Address = cfg.Admin.Address
	newCfg.Admission.MaxPerIP = 1
	require.NoError(t, srv.Reload(newCfg))

	_, resp, err = websocket.DefaultDialer.Dial(wsAddr, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestNewRejectsBadTrustedProxies(t *testing.T) {
	cfg := config.Defaults()
	cfg.Admission.TrustedProxies = []string{"not-a-cidr"}

	_, err := New(cfg, testLogger(), "test")
	require.Error(t, err)
}

func TestNewFailClosedRequiresRedis(t *testing.T) {
	cfg := config.Defaults()
	cfg.Redis.Enabled = true
	cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
	cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed

	_, err := New(cfg, testLogger(), "test")
	require.Error(t, err)
}
