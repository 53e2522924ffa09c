package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-dnsq/internal/dns/dnssec/nsec3"
)

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// startDNSServer serves A queries with 192.0.2.10 on a loopback UDP port.
func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			if r.Question[0].Qtype == dns.TypeA {
				rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.10")
				m.Answer = append(m.Answer, rr)
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("DNS server did not start")
	}
	return pc.LocalAddr().String()
}

// startSilentServer accepts datagrams and never answers.
func startSilentServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc.LocalAddr().String()
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rr-dnsq version "+version+"\n", out)
}

func TestNSEC3Cmd(t *testing.T) {
	out, err := run(t, "nsec3", "--salt", "aabbccdd", "--iterations", "12", "example", "a.example")
	require.NoError(t, err)
	assert.Equal(t,
		"example\t0p9mhaveqvm6t7vbl5lop2u3t2rp3tom\n"+
			"a.example\t35mthgpgcu1qg68fab165klnsnk3dpvl\n",
		out)
}

func TestNSEC3CmdErrors(t *testing.T) {
	t.Run("bad salt", func(t *testing.T) {
		_, err := run(t, "nsec3", "--salt", "zz", "example")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid salt")
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := run(t, "nsec3", "--alg", "2", "example")
		assert.ErrorIs(t, err, nsec3.ErrUnknownAlgorithm)
	})

	t.Run("iteration limit", func(t *testing.T) {
		t.Setenv("DNSQ_NSEC3_MAX_ITERATIONS", "10")
		_, err := run(t, "nsec3", "--iterations", "12", "example")
		assert.ErrorIs(t, err, nsec3.ErrTooManyIterations)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := run(t, "nsec3")
		assert.Error(t, err)
	})
}

func TestQueryCmd(t *testing.T) {
	addr := startDNSServer(t)

	out, err := run(t, "--server", addr, "query", "example.com", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "example.com.\t300\tIN\tA\t192.0.2.10")
	assert.Contains(t, out, "status: NOERROR")
}

func TestQueryFallsBackToNextServer(t *testing.T) {
	silent := startSilentServer(t)
	addr := startDNSServer(t)

	out, err := run(t, "--server", silent, "--server", addr, "query", "--timeout", "200ms", "example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "192.0.2.10")
}

func TestQueryCmdErrors(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := run(t, "--server", "127.0.0.1:53", "query", "example.com", "BOGUS")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown record type "BOGUS"`)
	})

	t.Run("invalid server", func(t *testing.T) {
		_, err := run(t, "--server", "not-an-address", "query", "example.com")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration error")
	})

	t.Run("all servers silent", func(t *testing.T) {
		silent := startSilentServer(t)
		_, err := run(t, "--server", silent, "query", "--timeout", "50ms", "example.com")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), silent))
	})
}

func TestNewQuestion(t *testing.T) {
	q, err := newQuestion("Example.COM", "aaaa")
	require.NoError(t, err)
	require.Len(t, q.Question, 1)
	assert.Equal(t, "example.com.", q.Question[0].Name)
	assert.Equal(t, dns.TypeAAAA, q.Question[0].Qtype)
	assert.True(t, q.RecursionDesired)

	_, err = newQuestion("bad..name", "A")
	assert.Error(t, err)
}

func TestQueryParallel(t *testing.T) {
	silent := startSilentServer(t)
	addr := startDNSServer(t)

	out, err := run(t, "--server", silent, "--server", addr, "query", "--parallel", "example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "192.0.2.10")
}
