package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), "test", 5, 0, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), "test", maxAttempts, 0, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, "test", 3, 0, func(context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestParseDate(t *testing.T) {
	tm, err := ParseDate(20240229)
	if err != nil {
		t.Fatalf("ParseDate(20240229): %v", err)
	}
	if tm.Year() != 2024 || tm.Month() != 2 || tm.Day() != 29 {
		t.Errorf("ParseDate(20240229) = %v", tm)
	}
	if FormatDate(tm) != 20240229 {
		t.Errorf("FormatDate round trip = %d", FormatDate(tm))
	}

	for _, bad := range []int{0, 20230229, 20241301, 2024010, 123456789} {
		if ValidDate(bad) {
			t.Errorf("ValidDate(%d) = true, want false", bad)
		}
	}
}

func TestWholeYears(t *testing.T) {
	tests := []struct {
		a, b int
		want int
	}{
		{20230101, 20231231, 0},
		{20230101, 20240101, 1},
		{20230228, 20240301, 1},
		{20200615, 20240614, 3},
		{20200615, 20240615, 4},
		{20240615, 20200615, 4},
		{20240229, 20250228, 0},
		{20240229, 20250301, 1},
		{0, 20250301, 0},
	}
	for _, tt := range tests {
		if got := WholeYears(tt.a, tt.b); got != tt.want {
			t.Errorf("WholeYears(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "debug", "text").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text handler output = %q, want k=v", buf.String())
	}

	buf.Reset()
	NewLoggerTo(&buf, "warn", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel(bogus) should default to info")
	}
}
