package main

import "testing"

func TestGetenvReturnsDefaultWhenUnset(t *testing.T) {
	t.Setenv("TEST_WORKER_UNSET", "")
	if got := getenv("TEST_WORKER_UNSET", "fallback"); got != "fallback" {
		t.Errorf("getenv() = %q, want %q", got, "fallback")
	}
}

func TestGetenvIntFallsBackOnNonInteger(t *testing.T) {
	t.Setenv("TEST_WORKER_INT", "not-a-number")
	if got := getenvInt("TEST_WORKER_INT", 42); got != 42 {
		t.Errorf("getenvInt() = %d, want 42", got)
	}
}

func TestGetenvIntParsesValue(t *testing.T) {
	t.Setenv("TEST_WORKER_INT", "7")
	if got := getenvInt("TEST_WORKER_INT", 42); got != 7 {
		t.Errorf("getenvInt() = %d, want 7", got)
	}
}

func TestParsePeersAllowsSubsetOfRanks(t *testing.T) {
	peers, err := parsePeers("0=host-a:9000,2=host-c:9000")
	if err != nil {
		t.Fatalf("parsePeers() error = %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[2].Addr != "host-c:9000" {
		t.Errorf("peers[2].Addr = %q, want %q", peers[2].Addr, "host-c:9000")
	}
}

func TestParsePeersEmptyStringYieldsEmptyMap(t *testing.T) {
	peers, err := parsePeers("")
	if err != nil {
		t.Fatalf("parsePeers() error = %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("len(peers) = %d, want 0", len(peers))
	}
}

func TestParsePeersRejectsMalformedEntry(t *testing.T) {
	_, err := parsePeers("no-equals-sign")
	if err == nil {
		t.Fatal("parsePeers() error = nil, want error")
	}
}
