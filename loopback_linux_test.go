//go:build linux

package uatcp

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

// pollJobs runs the network loop until it yields jobs or the deadline passes.
func pollJobs(t *testing.T, l *ServerNetworkLayer) []Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if jobs := l.GetJobs(20 * time.Millisecond); len(jobs) > 0 {
			return jobs
		}
	}
	t.Fatal("no jobs before the deadline")
	return nil
}

func TestLoopback_RoundTrip(t *testing.T) {
	conf := StandardConnectionConfig()
	l := NewServerNetworkLayer(conf, 0, LayerHostnameOption("127.0.0.1"))
	if err := l.Start(discardLogger{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.DeleteMembers()
	if l.Port() == 0 {
		t.Fatal("ephemeral port not resolved")
	}

	url := fmt.Sprintf("opc.tcp://127.0.0.1:%d/echo", l.Port())
	if url != l.DiscoveryURL()+"/echo" {
		t.Errorf("url = %s, discovery url = %s", url, l.DiscoveryURL())
	}
	client, err := Connect(context.Background(), conf, url, ClientLoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// accept
	for deadline := time.Now().Add(5 * time.Second); l.Len() == 0 && time.Now().Before(deadline); {
		l.GetJobs(20 * time.Millisecond)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}

	hello := chunk("HEL", 64)
	buf, err := client.GetSendBuffer(len(hello))
	if err != nil {
		t.Fatalf("GetSendBuffer failed: %v", err)
	}
	if err = client.Send(buf[:copy(buf, hello)]); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got []byte
	var server *Connection
	for len(got) < len(hello) {
		for _, j := range pollJobs(t, l) {
			m := messageJob(t, j)
			server = m.Conn
			got = append(got, m.Data...)
			m.Release()
		}
	}
	if !bytes.Equal(got, hello) {
		t.Fatalf("server received %v, want %v", got, hello)
	}

	reply, err := server.GetSendBuffer(4)
	if err != nil {
		t.Fatalf("server GetSendBuffer failed: %v", err)
	}
	if err = server.Send(reply[:copy(reply, "pong")]); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	data, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(data) != "pong" {
		t.Errorf("client received %q, want pong", data)
	}
	client.ReleaseRecvBuffer(data)

	client.Close()
	jobs := pollJobs(t, l)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want a detach pair", len(jobs))
	}
	if checkDetachPair(t, jobs, 0) != server {
		t.Error("wrong connection detached")
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}

	if jobs := l.Stop(); len(jobs) != 0 {
		t.Errorf("Stop jobs = %d, want 0", len(jobs))
	}
}

func TestLoopback_StopReleasesPeers(t *testing.T) {
	conf := StandardConnectionConfig()
	l := NewServerNetworkLayer(conf, 0, LayerHostnameOption("127.0.0.1"))
	if err := l.Start(discardLogger{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.DeleteMembers()

	url := fmt.Sprintf("opc.tcp://127.0.0.1:%d", l.Port())
	var clients []*Connection
	for i := 0; i < 3; i++ {
		c, err := Connect(context.Background(), conf, url, ClientLoggerOption(discardLogger{}))
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		defer c.Close()
		clients = append(clients, c)
	}
	for deadline := time.Now().Add(5 * time.Second); l.Len() < 3 && time.Now().Before(deadline); {
		l.GetJobs(20 * time.Millisecond)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}

	jobs := l.Stop()
	if len(jobs) != 6 {
		t.Fatalf("jobs = %d, want 6", len(jobs))
	}
	for _, j := range jobs {
		if call, ok := j.(*DeferredCall); ok {
			call.Func(call.Arg)
		}
	}

	// every client sees end of stream
	for _, c := range clients {
		if _, err := c.Receive(2 * time.Second); err != ErrConnectionClosed {
			t.Errorf("client Receive = %v, want ErrConnectionClosed", err)
		}
	}
}

func TestLoopback_ConnectRefused(t *testing.T) {
	conf := StandardConnectionConfig()
	l := NewServerNetworkLayer(conf, 0)
	if err := l.Start(discardLogger{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	port := l.Port()
	l.Stop()

	c, err := Connect(context.Background(), conf, fmt.Sprintf("opc.tcp://127.0.0.1:%d", port), ClientLoggerOption(discardLogger{}))
	if !isErr(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if !c.IsClosed() {
		t.Error("connection should be closed")
	}
}
