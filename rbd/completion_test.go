// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompletionPending(t *testing.T) {
	c := CreateCompletion("arg", nil)

	if c.IsComplete() {
		t.Error("IsComplete() = true for a new completion")
	}
	if got := c.GetReturnValue(); got != int64(ErrInProgress) {
		t.Errorf("GetReturnValue() = %d, want %d", got, ErrInProgress)
	}
	if got := c.GetArg(); got != "arg" {
		t.Errorf("GetArg() = %v, want arg", got)
	}
	if err := c.Err(); !errors.Is(err, ErrInProgress) {
		t.Errorf("Err() = %v, want %v", err, ErrInProgress)
	}
}

func TestCompletionResolve(t *testing.T) {
	tests := []struct {
		name    string
		ret     int64
		wantErr error
	}{
		{"bytes", 4096, nil},
		{"zero bytes", 0, nil},
		{"errno", -5, RbdError(-5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CreateCompletion(nil, nil)

			if !c.resolve(tt.ret) {
				t.Fatal("first resolve() = false")
			}
			if c.resolve(7) {
				t.Error("second resolve() = true")
			}

			if !c.IsComplete() {
				t.Error("IsComplete() = false after resolve")
			}
			if got := c.GetReturnValue(); got != tt.ret {
				t.Errorf("GetReturnValue() = %d, want %d", got, tt.ret)
			}
			if err := c.Err(); err != tt.wantErr {
				t.Errorf("Err() = %v, want %v", err, tt.wantErr)
			}
			if err := c.WaitForComplete(); err != nil {
				t.Errorf("WaitForComplete() = %v", err)
			}
		})
	}
}

func TestCompletionReleased(t *testing.T) {
	c := CreateCompletion(nil, nil)
	c.resolve(10)
	c.Release()

	if got := c.GetReturnValue(); got != int64(ErrReleased) {
		t.Errorf("GetReturnValue() = %d, want %d", got, ErrReleased)
	}
	if err := c.WaitForComplete(); err != ErrReleased {
		t.Errorf("WaitForComplete() = %v, want %v", err, ErrReleased)
	}
	if err := c.Wait(context.Background()); err != ErrReleased {
		t.Errorf("Wait() = %v, want %v", err, ErrReleased)
	}
	if err := c.begin(); err != ErrReleased {
		t.Errorf("begin() = %v, want %v", err, ErrReleased)
	}
}

func TestCompletionIssuedOnce(t *testing.T) {
	c := CreateCompletion(nil, nil)

	if err := c.begin(); err != nil {
		t.Fatalf("begin() = %v", err)
	}
	if err := c.begin(); err != ErrInUse {
		t.Errorf("second begin() = %v, want %v", err, ErrInUse)
	}

	c.abort()

	if err := c.begin(); err != nil {
		t.Errorf("begin() after abort = %v", err)
	}
}

func TestCompletionWaitContext(t *testing.T) {
	c := CreateCompletion(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want %v", err, context.DeadlineExceeded)
	}
	if c.IsComplete() {
		t.Error("IsComplete() = true after an expired wait")
	}
}

func TestCompletionWakesWaiters(t *testing.T) {
	c := CreateCompletion(nil, nil)

	const waiters = 4
	woken := make(chan int64, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			c.WaitForComplete()
			woken <- c.GetReturnValue()
		}()
	}

	c.resolve(512)

	for i := 0; i < waiters; i++ {
		if got := <-woken; got != 512 {
			t.Errorf("waiter %d saw %d, want 512", i, got)
		}
	}
}
