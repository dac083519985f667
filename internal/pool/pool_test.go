package pool

import (
	"net"
	"testing"
	"time"
)

func pipeDialer() func(host string, port int) (net.Conn, error) {
	return func(host string, port int) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func TestPool_ReusesIdleConnection(t *testing.T) {
	p := New(Config{MaxConnections: 2, Dial: pipeDialer()})
	defer p.Close()

	c1, err := p.Get("discord.com", 443, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(c1)

	c2, err := p.Get("discord.com", 443, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected idle connection reuse")
	}
}

func TestPool_ExhaustedRejectsNormalPriority(t *testing.T) {
	p := New(Config{MaxConnections: 1, Dial: pipeDialer()})
	defer p.Close()

	c1, err := p.Get("discord.com", 443, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = c1

	_, err = p.Get("discord.com", 443, PriorityNormal)
	if err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPool_HighPriorityGetsEmergencyConnectionWhenExhausted(t *testing.T) {
	p := New(Config{MaxConnections: 1, Dial: pipeDialer()})
	defer p.Close()

	c1, _ := p.Get("discord.com", 443, PriorityNormal)
	_ = c1

	c2, err := p.Get("discord.com", 443, PriorityHigh)
	if err != nil {
		t.Fatalf("expected emergency connection for HIGH priority, got err=%v", err)
	}
	if !c2.emergency {
		t.Fatalf("expected emergency flag set")
	}

	p.Release(c2)
	if !c2.closed {
		t.Fatalf("emergency connections must close on release")
	}
}

func TestPool_EvictsIdleBeyondMaxIdleTime(t *testing.T) {
	p := New(Config{MaxConnections: 2, MaxIdleTime: 10 * time.Millisecond, Dial: pipeDialer()})
	defer p.Close()

	c1, _ := p.Get("discord.com", 443, PriorityNormal)
	p.Release(c1)
	time.Sleep(20 * time.Millisecond)

	c2, err := p.Get("discord.com", 443, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c2 == c1 {
		t.Fatalf("expected a fresh connection, stale one should not be reused")
	}
}
