package kcp

import (
	"bytes"
	"testing"
	"time"
)

func TestSessionLoopbackRoundTrip(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan *Session, 1)
	go func() {
		sess, err := l.AcceptSession()
		if err != nil {
			t.Errorf("AcceptSession: %v", err)
			return
		}
		accepted <- sess
	}()

	client, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	client.SetNoDelay(true, 10, 2, true)

	msg := []byte("round trip over real udp sockets")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var server *Session
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer server.Close()
	server.SetNoDelay(true, 10, 2, true)

	buf := make([]byte, 128)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("server got %q, want %q", buf[:n], msg)
	}

	reply := []byte("acknowledged")
	if _, err := server.Write(reply); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Fatalf("client got %q, want %q", buf[:n], reply)
	}
}

func TestSessionFECLoopbackRoundTrip(t *testing.T) {
	l, err := ListenWithOptions("127.0.0.1:0", 3, 1)
	if err != nil {
		t.Fatalf("ListenWithOptions: %v", err)
	}
	defer l.Close()

	accepted := make(chan *Session, 1)
	go func() {
		sess, err := l.AcceptSession()
		if err != nil {
			t.Errorf("AcceptSession: %v", err)
			return
		}
		accepted <- sess
	}()

	client, err := DialWithOptions(l.Addr().String(), 3, 1)
	if err != nil {
		t.Fatalf("DialWithOptions: %v", err)
	}
	defer client.Close()

	msg := []byte("fec protected payload")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var server *Session
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer server.Close()

	buf := make([]byte, 128)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("server got %q, want %q", buf[:n], msg)
	}
}

func TestSessionReadTimesOut(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = client.Read(buf)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	if te, ok := err.(interface{ Timeout() bool }); !ok || !te.Timeout() {
		t.Fatalf("expected a Timeout() error, got %v", err)
	}
}

func TestSessionCloseUnblocksReaders(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := client.Read(buf)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from Read after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock a pending Read")
	}
}
