// ABOUTME: Serves the gateway on a tailnet through an embedded tsnet node
// ABOUTME: Picks plain :80, Tailscale-certified HTTPS or public Funnel for the HTTP surface

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/omni-gateway/internal/config"
)

// Tailnet ports. The gRPC health service keeps the port it has on TCP.
const (
	tailnetGRPCAddr  = ":50051"
	tailnetHTTPAddr  = ":80"
	tailnetHTTPSAddr = ":443"
)

// tailnetNode is the part of a tsnet node the gateway listens through.
type tailnetNode interface {
	Up(ctx context.Context) (*ipnstate.Status, error)
	Listen(network, addr string) (net.Listener, error)
	ListenFunnel(addr string) (net.Listener, error)
	CertSource() (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error)
	Close() error
}

// tailnetOptions are the resolved settings a node is started with.
type tailnetOptions struct {
	Hostname  string
	StateDir  string
	AuthKey   string
	Ephemeral bool
}

// tsnetNode adapts *tsnet.Server to tailnetNode.
type tsnetNode struct {
	srv *tsnet.Server
}

func newTSNetNode(opts tailnetOptions) tailnetNode {
	return tsnetNode{srv: &tsnet.Server{
		Hostname:  opts.Hostname,
		Dir:       opts.StateDir,
		AuthKey:   opts.AuthKey,
		Ephemeral: opts.Ephemeral,
	}}
}

func (n tsnetNode) Up(ctx context.Context) (*ipnstate.Status, error) { return n.srv.Up(ctx) }

func (n tsnetNode) Listen(network, addr string) (net.Listener, error) {
	return n.srv.Listen(network, addr)
}

func (n tsnetNode) ListenFunnel(addr string) (net.Listener, error) {
	return n.srv.ListenFunnel("tcp", addr)
}

func (n tsnetNode) CertSource() (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	lc, err := n.srv.LocalClient()
	if err != nil {
		return nil, err
	}
	return lc.GetCertificate, nil
}

func (n tsnetNode) Close() error { return n.srv.Close() }

// tailnetStateDir defaults to ~/.local/share/omni-gateway/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "omni-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key over TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// setupTailscaleListeners brings the node up and returns the gRPC and HTTP
// listeners. On error the node is closed and g.tailnet stays nil.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailnetAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	start := g.newTailnet
	if start == nil {
		start = newTSNetNode
	}
	node := start(tailnetOptions{
		Hostname:  tsCfg.Hostname,
		StateDir:  stateDir,
		AuthKey:   authKey,
		Ephemeral: tsCfg.Ephemeral,
	})

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral,
	)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetStatus(tsCfg.Hostname, status)

	grpcLn, err = node.Listen("tcp", tailnetGRPCAddr)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("tailscale gRPC listener: %w", err)
	}
	httpLn, err = tailnetHTTPListener(node, tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = node.Close()
		return nil, nil, err
	}

	g.logger.Info("tailscale listeners ready",
		"grpc", tailnetGRPCAddr,
		"http", httpLn.Addr().String(),
		"mode", tailnetMode(tsCfg),
	)
	g.tailnet = node
	return grpcLn, httpLn, nil
}

// tailnetMode names the HTTP exposure. Funnel wins over HTTPS since Funnel
// is always TLS.
func tailnetMode(c config.TailscaleConfig) string {
	switch {
	case c.Funnel:
		return "funnel"
	case c.HTTPS:
		return "https"
	default:
		return "http"
	}
}

func tailnetHTTPListener(node tailnetNode, c config.TailscaleConfig) (net.Listener, error) {
	switch tailnetMode(c) {
	case "funnel":
		ln, err := node.ListenFunnel(tailnetHTTPSAddr)
		if err != nil {
			return nil, fmt.Errorf("tailscale funnel listener: %w", err)
		}
		return ln, nil
	case "https":
		ln, err := node.Listen("tcp", tailnetHTTPSAddr)
		if err != nil {
			return nil, fmt.Errorf("tailscale HTTPS listener: %w", err)
		}
		getCert, err := node.CertSource()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("tailscale certificate source: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: getCert,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := node.Listen("tcp", tailnetHTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("tailscale HTTP listener: %w", err)
		}
		return ln, nil
	}
}

func (g *Gateway) logTailnetStatus(hostname string, status *ipnstate.Status) {
	if status == nil {
		g.logger.Warn("tailscale node returned no status", "hostname", hostname)
		return
	}
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned", "hostname", hostname)
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node up", "hostname", hostname, "tailscale_ip", ip, "dns_name", dnsName)
}
