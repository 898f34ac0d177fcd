package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/angelmondragon/compositor-backend/pkg/logger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubRunner struct {
	err   error
	calls int
}

func (s *stubRunner) Run(context.Context) error {
	s.calls++
	return s.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard})
}

func TestServiceRunStopsOnReadinessFailure(t *testing.T) {
	runner := &stubRunner{}
	svc, err := NewService(ServiceParams{
		Logger:   testLogger(),
		DB:       stubPinger{},
		Redis:    stubPinger{err: errors.New("connection refused")},
		PubSub:   stubPinger{},
		Consumer: runner,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness failure")
	}
	if runner.calls != 0 {
		t.Fatalf("consumer should not start, got %d calls", runner.calls)
	}
}

func TestServiceRunReturnsConsumerError(t *testing.T) {
	want := errors.New("subscription deleted")
	runner := &stubRunner{err: want}
	svc, err := NewService(ServiceParams{
		Logger:   testLogger(),
		DB:       stubPinger{},
		Redis:    stubPinger{},
		PubSub:   stubPinger{},
		Consumer: runner,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Run(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("expected consumer to run once, got %d", runner.calls)
	}
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	_, err := NewService(ServiceParams{
		Logger: testLogger(),
		DB:     stubPinger{},
		Redis:  stubPinger{},
		PubSub: stubPinger{},
	})
	if err == nil {
		t.Fatal("expected missing consumer to fail")
	}
}
