// ABOUTME: Tests for tailnet listener selection using an in-process fake node
// ABOUTME: Covers plain, HTTPS and Funnel exposure plus state dir and auth key resolution

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/ipn/ipnstate"

	"github.com/2389/omni-gateway/internal/config"
)

// fakeTailnet hands out loopback listeners and records which ports were asked for.
type fakeTailnet struct {
	t       *testing.T
	upErr   error
	certErr error

	mu        sync.Mutex
	opts      tailnetOptions
	listens   []string
	funnels   []string
	certCalls int
	closed    bool
}

func (f *fakeTailnet) start(opts tailnetOptions) tailnetNode {
	f.opts = opts
	return f
}

func (f *fakeTailnet) Up(context.Context) (*ipnstate.Status, error) {
	if f.upErr != nil {
		return nil, f.upErr
	}
	return &ipnstate.Status{
		TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.7")},
		Self:         &ipnstate.PeerStatus{DNSName: f.opts.Hostname + ".tail1234.ts.net."},
	}, nil
}

func (f *fakeTailnet) loopback() (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err == nil {
		f.t.Cleanup(func() { _ = ln.Close() })
	}
	return ln, err
}

func (f *fakeTailnet) Listen(_, addr string) (net.Listener, error) {
	f.mu.Lock()
	f.listens = append(f.listens, addr)
	f.mu.Unlock()
	return f.loopback()
}

func (f *fakeTailnet) ListenFunnel(addr string) (net.Listener, error) {
	f.mu.Lock()
	f.funnels = append(f.funnels, addr)
	f.mu.Unlock()
	return f.loopback()
}

func (f *fakeTailnet) CertSource() (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	f.mu.Lock()
	f.certCalls++
	f.mu.Unlock()
	if f.certErr != nil {
		return nil, f.certErr
	}
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return nil, errors.New("no certificate in tests")
	}, nil
}

func (f *fakeTailnet) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func tailnetGateway(t *testing.T, ts config.TailscaleConfig) (*Gateway, *fakeTailnet) {
	t.Helper()
	ts.Enabled = true
	if ts.Hostname == "" {
		ts.Hostname = "omni"
	}
	if ts.StateDir == "" {
		ts.StateDir = filepath.Join(t.TempDir(), "ts-state")
	}
	if ts.AuthKey == "" {
		ts.AuthKey = "tskey-auth-test"
	}

	cfg := testConfig(t)
	cfg.Tailscale = ts
	fake := &fakeTailnet{t: t}
	g := &Gateway{config: cfg, logger: testLogger(), newTailnet: fake.start}
	return g, fake
}

func TestTailnet_ListenerModes(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.TailscaleConfig
		wantListens []string
		wantFunnels []string
		wantCerts   int
		wantTLS     bool
	}{
		{
			name:        "plain http",
			wantListens: []string{tailnetGRPCAddr, tailnetHTTPAddr},
		},
		{
			name:        "https with tailscale certs",
			cfg:         config.TailscaleConfig{HTTPS: true},
			wantListens: []string{tailnetGRPCAddr, tailnetHTTPSAddr},
			wantCerts:   1,
			wantTLS:     true,
		},
		{
			name:        "funnel",
			cfg:         config.TailscaleConfig{Funnel: true},
			wantListens: []string{tailnetGRPCAddr},
			wantFunnels: []string{tailnetHTTPSAddr},
		},
		{
			name:        "funnel takes precedence over https",
			cfg:         config.TailscaleConfig{Funnel: true, HTTPS: true},
			wantListens: []string{tailnetGRPCAddr},
			wantFunnels: []string{tailnetHTTPSAddr},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, fake := tailnetGateway(t, tt.cfg)

			grpcLn, httpLn, err := g.setupListeners(context.Background())
			require.NoError(t, err)
			require.NotNil(t, grpcLn)
			require.NotNil(t, httpLn)

			assert.Equal(t, tt.wantListens, fake.listens)
			assert.Equal(t, tt.wantFunnels, fake.funnels)
			assert.Equal(t, tt.wantCerts, fake.certCalls)

			_, plain := httpLn.(*net.TCPListener)
			assert.Equal(t, !tt.wantTLS, plain, "TLS wrapping")

			assert.Same(t, fake, g.tailnet)
			assert.Equal(t, "omni", fake.opts.Hostname)
			assert.Equal(t, "tskey-auth-test", fake.opts.AuthKey)
			assert.DirExists(t, fake.opts.StateDir)
		})
	}
}

func TestTailnet_UpFailureClosesNode(t *testing.T) {
	g, fake := tailnetGateway(t, config.TailscaleConfig{})
	fake.upErr = errors.New("login required")

	_, _, err := g.setupListeners(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "login required")
	assert.True(t, fake.closed)
	assert.Nil(t, g.tailnet)
	assert.Empty(t, fake.listens)
}

func TestTailnet_CertFailureClosesNode(t *testing.T) {
	g, fake := tailnetGateway(t, config.TailscaleConfig{HTTPS: true})
	fake.certErr = errors.New("https not enabled on tailnet")

	_, _, err := g.setupListeners(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "certificate source")
	assert.True(t, fake.closed)
	assert.Nil(t, g.tailnet)
}

func TestTailnet_ShutdownClosesNode(t *testing.T) {
	g, ts := newTestGateway(t)
	ts.Close()

	fake := &fakeTailnet{t: t}
	g.tailnet = fake

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
	assert.True(t, fake.closed)
}

func TestTailnetAuthKey(t *testing.T) {
	t.Run("configured wins", func(t *testing.T) {
		t.Setenv("TS_AUTHKEY", "tskey-env")
		key, err := tailnetAuthKey("tskey-config")
		require.NoError(t, err)
		assert.Equal(t, "tskey-config", key)
	})

	t.Run("falls back to environment", func(t *testing.T) {
		t.Setenv("TS_AUTHKEY", "tskey-env")
		key, err := tailnetAuthKey("")
		require.NoError(t, err)
		assert.Equal(t, "tskey-env", key)
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv("TS_AUTHKEY", "")
		_, err := tailnetAuthKey("")
		assert.ErrorContains(t, err, "TS_AUTHKEY")
	})
}

func TestTailnet_MissingAuthKeyStartsNothing(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	cfg := testConfig(t)
	cfg.Tailscale = config.TailscaleConfig{Enabled: true, Hostname: "omni", StateDir: t.TempDir()}
	started := false
	g := &Gateway{config: cfg, logger: testLogger(), newTailnet: func(tailnetOptions) tailnetNode {
		started = true
		return nil
	}}

	_, _, err := g.setupListeners(context.Background())
	require.Error(t, err)
	assert.False(t, started)
}

func TestTailnetStateDir(t *testing.T) {
	dir, err := tailnetStateDir("/var/lib/omni/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/omni/ts", dir)

	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, err = tailnetStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "omni-gateway", "tailscale"), dir)
}
