// ABOUTME: Tests for HTTP and gRPC health probes and the exec launcher
// ABOUTME: Uses httptest and an in-process gRPC health server

package companion

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/carelink/carelink-core/internal/logging"
)

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := &HTTPProber{URL: srv.URL + "/health"}
	assert.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	err := p.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPProber_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := &HTTPProber{URL: srv.URL}
	assert.Error(t, p.Probe(ctx))
}

func TestHTTPProber_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := &HTTPProber{URL: "http://" + addr + "/health"}
	assert.Error(t, p.Probe(context.Background()))
}

func TestGRPCProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	p := &GRPCProber{Addr: ln.Addr().String()}
	defer p.Close()

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, p.Probe(ctx))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	err = p.Probe(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_SERVING")
}

func TestGRPCProber_DrivesSupervisor(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	prober := &GRPCProber{Addr: ln.Addr().String()}
	opts := testOptions(nil, prober)
	opts.ProbeTimeout = time.Second
	opts.Endpoint = ln.Addr().String()
	s := newSupervisor(t, opts)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	endpoint, err := s.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), endpoint)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Equal(t, StateDegraded, s.Status(context.Background()).State)
}

func TestExecLauncher(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	l := &ExecLauncher{Command: sleep, Args: []string{"30"}, Logger: logging.Discard()}
	p, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	require.NoError(t, p.Signal(syscall.SIGTERM))
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "terminated by signal")
	case <-time.After(5 * time.Second):
		_ = p.Kill()
		t.Fatal("process did not exit")
	}

	// Wait is repeatable
	assert.Error(t, p.Wait())
}

func TestExecLauncher_Errors(t *testing.T) {
	_, err := (&ExecLauncher{}).Start(context.Background())
	assert.Error(t, err)

	_, err = (&ExecLauncher{Command: "/nonexistent/carelink-companion"}).Start(context.Background())
	assert.Error(t, err)
}
