package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/recycle-check/internal/handlers"
	"github.com/example/recycle-check/internal/recycling"
	"github.com/example/recycle-check/internal/repository"
)

// blockingService holds Stats open until released so shutdown can be
// observed with a request in flight.
type blockingService struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingService) Upload(ctx context.Context, filename string, imageBytes []byte) (*repository.Item, error) {
	return &repository.Item{}, nil
}

func (s *blockingService) List(ctx context.Context, filter repository.ItemFilter, skip, limit int) ([]repository.Item, error) {
	return nil, nil
}

func (s *blockingService) Get(ctx context.Context, id uint) (*repository.Item, error) {
	return nil, repository.ErrNotFound
}

func (s *blockingService) Stats(ctx context.Context) (recycling.Stats, error) {
	select {
	case <-s.started:
	default:
		close(s.started)
	}
	<-s.release
	return recycling.ComputeStats([]recycling.StatRecord{{Type: "Plastic", Brand: "Pepsi", Decision: "Accept"}}), nil
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	svc := &blockingService{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-svc.release:
		default:
			close(svc.release)
		}
	}()

	router := gin.New()
	router.Use(requestLogger(logger))
	handlers.RegisterRoutes(router, svc, handlers.Options{Logger: logger})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/stats")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(svc.release)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestServerReturnsListenerErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	err = serveHTTPServerWithOptions(&http.Server{Handler: http.NewServeMux()}, time.Second, zap.NewNop(), listener, make(chan os.Signal))
	if err == nil {
		t.Fatal("expected error from closed listener")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
