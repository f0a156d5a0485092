package queue

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cncforge/grblhost/internal/transport"
)

func TestExecuteResolvesOnOK(t *testing.T) {
	mock := transport.NewMock()
	q := New(mock, nil, clock.NewMock())

	done := make(chan Result, 1)
	go func() {
		done <- q.Execute(context.Background(), "G0 X10", time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	mock.Feed("ok")

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Execute to resolve")
	}

	if sent := mock.Sent(); len(sent) != 1 || sent[0] != "G0 X10" {
		t.Errorf("expected [G0 X10] sent, got %v", sent)
	}
}

func TestExecuteRejectsOverCapacity(t *testing.T) {
	mock := transport.NewMock()
	q := New(mock, nil, clock.NewMock())

	// Fill the active slot with a command nothing ever answers.
	go q.Execute(context.Background(), "?", time.Minute)
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < MaxQueueLength; i++ {
		go q.Execute(context.Background(), "?", time.Minute)
	}
	time.Sleep(10 * time.Millisecond)

	res := q.Execute(context.Background(), "?", time.Minute)
	if res.Err == nil {
		t.Fatal("expected a capacity error")
	}
}

func TestClearCancelsOutstanding(t *testing.T) {
	mock := transport.NewMock()
	q := New(mock, nil, clock.NewMock())

	done := make(chan Result, 1)
	go func() {
		done <- q.Execute(context.Background(), "G0 X10", time.Minute)
	}()
	time.Sleep(10 * time.Millisecond)

	q.Clear()

	select {
	case res := <-done:
		if res.Err == nil {
			t.Fatal("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	if q.Len() != 0 {
		t.Errorf("expected queue length 0 after Clear, got %d", q.Len())
	}
}
