package daemonlock

import (
	"testing"
)

func TestAcquireTwiceFails(t *testing.T) {
	home := t.TempDir()

	l1, err := Acquire(home)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	if _, err := Acquire(home); err == nil {
		t.Fatal("expected second acquire to fail while the first lock is held")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	home := t.TempDir()

	l1, err := Acquire(home)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := Acquire(home)
	if err != nil {
		t.Fatalf("expected reacquire to succeed after release: %v", err)
	}
	l2.Release()
}
