package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/lifecycle"
	"github.com/flarebyte/tenant-lifecycle/internal/server/tenants"
	"github.com/flarebyte/tenant-lifecycle/internal/store/memstore"
)

func TestPIDFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, writePID(p))
	assert.Error(t, writePID(p), "second writer must fail")

	pid, err := ReadPID(p)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	removePID(p)
	_, err = ReadPID(p)
	assert.True(t, os.IsNotExist(err))
}

func TestServeStopsOnCancel(t *testing.T) {
	glis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hlis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := lifecycle.New(memstore.New(catalog.Default()), nil, lifecycle.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, glis, hlis, Options{Service: &tenants.Service{Engine: e}})
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + hlis.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
