// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type mockHTTPServer struct {
	mu       sync.Mutex
	started  bool
	shutdown bool

	serveErr error
	done     chan struct{}
}

func newMockHTTPServer(serveErr error) *mockHTTPServer {
	return &mockHTTPServer{serveErr: serveErr, done: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	if m.serveErr != nil {
		return m.serveErr
	}
	<-m.done
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	close(m.done)
	return nil
}

func (m *mockHTTPServer) state() (started, shutdown bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.shutdown
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	mock := newMockHTTPServer(nil)
	svc := NewHTTPService(mock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	// Give the server goroutine a moment to start.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}

	started, shutdown := mock.state()
	if !started {
		t.Error("server was never started")
	}
	if !shutdown {
		t.Error("server was not shut down")
	}
}

func TestHTTPServiceStartupFailure(t *testing.T) {
	mock := newMockHTTPServer(errors.New("bind: address already in use"))
	svc := NewHTTPService(mock, time.Second)

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("expected an error from a failed listener")
	}
}

type fakeServerLister struct {
	serverIDs []string
}

func (f *fakeServerLister) DistinctServerIDs(_ context.Context) ([]string, error) {
	return f.serverIDs, nil
}

type fakeRebuilder struct {
	mu      sync.Mutex
	rebuilt []string
}

func (f *fakeRebuilder) RebuildAll(_ context.Context, serverID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = append(f.rebuilt, serverID)
	return 1, nil
}

func (f *fakeRebuilder) servers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rebuilt...)
}

func TestRebuildServiceRunsEachServer(t *testing.T) {
	lister := &fakeServerLister{serverIDs: []string{"srv-1", "srv-2"}}
	builder := &fakeRebuilder{}
	svc := NewRebuildService(lister, builder, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Serve(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(builder.servers()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("rebuild pass did not cover both servers, got %v", builder.servers())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	got := builder.servers()
	if got[0] != "srv-1" || got[1] != "srv-2" {
		t.Errorf("unexpected rebuild order: %v", got)
	}
}

func TestRebuildServiceStopsOnCancel(t *testing.T) {
	svc := NewRebuildService(&fakeServerLister{}, &fakeRebuilder{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
