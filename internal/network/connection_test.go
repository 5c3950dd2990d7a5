package network

import (
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// pipeConnection returns a registered Connection whose peer end is
// readable by the test.
func pipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := NewTCPConnection(server)
	t.Cleanup(func() {
		conn.Close()
		client.Close()
	})
	return conn, client
}

func drain(c net.Conn, n int) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := c.Read(buf[total:])
		if err != nil {
			return
		}
		total += read
	}
}

func TestRegistryRegisterGet(t *testing.T) {
	reg := NewRegistry()
	conn, _ := pipeConnection(t)

	reg.Register(conn)
	if reg.Count() != 1 {
		t.Fatalf("Count = %d, want 1", reg.Count())
	}

	got, ok := reg.Get(conn.ID)
	if !ok || got != conn {
		t.Fatalf("Get(%s) = %v, %v", conn.ID, got, ok)
	}
	if _, ok := reg.Get(uuid.New()); ok {
		t.Error("Get with unknown id should report not found")
	}
}

func TestRegistryUnregisterExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	conn, _ := pipeConnection(t)
	reg.Register(conn)

	// Simulate the read loop and a failed broadcast racing to remove
	// the same client: only one caller may win.
	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := reg.Unregister(conn.ID); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("Unregister succeeded %d times, want exactly 1", count)
	}
	if !conn.IsClosed() {
		t.Error("unregistered connection should be closed")
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d after unregister, want 0", reg.Count())
	}
}

func TestConnectionSendAfterClose(t *testing.T) {
	conn, _ := pipeConnection(t)
	conn.Close()

	if err := conn.Send([]byte("data")); err == nil {
		t.Error("Send on closed connection should fail")
	}
	// Second close is a no-op.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestRegistrySend(t *testing.T) {
	reg := NewRegistry()
	conn, peer := pipeConnection(t)
	reg.Register(conn)

	payload := []byte{1, 2, 3, 4}
	done := make(chan struct{})
	go func() {
		drain(peer, len(payload))
		close(done)
	}()

	if err := reg.Send(conn.ID, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done

	if err := reg.Send(uuid.New(), payload); err == nil {
		t.Error("Send to unknown id should fail")
	}
}

func TestMulticastReportsFailures(t *testing.T) {
	reg := NewRegistry()

	healthy, peer := pipeConnection(t)
	reg.Register(healthy)

	dead, _ := pipeConnection(t)
	reg.Register(dead)
	dead.Close()

	payload := []byte{9, 9, 9}
	go drain(peer, len(payload))

	failed := reg.Multicast([]uuid.UUID{healthy.ID, dead.ID, uuid.New()}, payload)
	if len(failed) != 1 || failed[0] != dead.ID {
		t.Fatalf("failed = %v, want [%s]", failed, dead.ID)
	}
}

func TestBroadcastAllHealthy(t *testing.T) {
	reg := NewRegistry()

	var peers []net.Conn
	for i := 0; i < 3; i++ {
		conn, peer := pipeConnection(t)
		reg.Register(conn)
		peers = append(peers, peer)
	}

	payload := []byte("broadcast")
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain(p, len(payload))
		}()
	}

	if failed := reg.Broadcast(payload); len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}
	wg.Wait()
}
