package port

import (
	"net"
	"testing"
)

func TestAllocateInRange(t *testing.T) {
	a := NewAllocator(20000, 20100)
	port, err := a.Allocate("assistant")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port < 20000 || port > 20100 {
		t.Errorf("port %d outside range 20000-20100", port)
	}
}

func TestAllocateIdempotent(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, err := a.Allocate("assistant")
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	p2, err := a.Allocate("assistant")
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if p1 != p2 {
		t.Errorf("idempotent allocate returned different ports: %d vs %d", p1, p2)
	}
}

func TestAllocateDifferentOwners(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, err := a.Allocate("assistant")
	if err != nil {
		t.Fatalf("Allocate assistant: %v", err)
	}
	p2, err := a.Allocate("oneshot")
	if err != nil {
		t.Fatalf("Allocate oneshot: %v", err)
	}
	if p1 == p2 {
		t.Errorf("two owners got same port: %d", p1)
	}
}

func TestAllocateSkipsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	a := NewAllocator(busy, busy)
	if _, err := a.Allocate("assistant"); err == nil {
		t.Error("expected error when the only port is in use")
	}
}

func TestReserveConflict(t *testing.T) {
	a := NewAllocator(20000, 20100)
	if err := a.Reserve("assistant", 9999); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := a.Port("assistant"); got != 9999 {
		t.Errorf("Port = %d, want 9999", got)
	}
	if err := a.Reserve("oneshot", 9999); err == nil {
		t.Error("expected conflict reserving a port held by another owner")
	}
}

func TestReserveMovesOwner(t *testing.T) {
	a := NewAllocator(20000, 20100)
	a.Reserve("assistant", 20001)
	a.Reserve("assistant", 20002)
	if err := a.Reserve("oneshot", 20001); err != nil {
		t.Errorf("old port should be free after re-reserve: %v", err)
	}
}

func TestReleaseFreesPort(t *testing.T) {
	a := NewAllocator(20000, 20000)
	a.available = func(int) bool { return true }

	p, err := a.Allocate("assistant")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate("oneshot"); err == nil {
		t.Fatal("expected exhaustion with single-port range")
	}

	a.Release("assistant")
	if a.Port("assistant") != 0 {
		t.Error("expected no port after release")
	}
	p2, err := a.Allocate("oneshot")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if p2 != p {
		t.Errorf("expected released port %d to be reused, got %d", p, p2)
	}
}

func TestInvalidRange(t *testing.T) {
	a := NewAllocator(30000, 20000)
	_, err := a.Allocate("assistant")
	if err == nil {
		t.Error("expected error for inverted range")
	}
}
