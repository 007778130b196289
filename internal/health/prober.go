package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober checks whether the unit at address is live.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// HTTPProber issues GET {address}{Path} and treats any 2xx as live.
type HTTPProber struct {
	Client *http.Client
	Path   string
}

func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if path == "" {
		path = "/healthz"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{Client: client, Path: path}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(address, "/")+p.Path, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health: %s returned %d", address, resp.StatusCode)
	}
	return nil
}

// GRPCProber runs the standard grpc.health.v1 Check against grpc://host:port
// addresses. Client connections are reused per target.
type GRPCProber struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCProber() *GRPCProber {
	return &GRPCProber{conns: map[string]*grpc.ClientConn{}}
}

func (p *GRPCProber) Probe(ctx context.Context, address string) error {
	conn, err := p.conn(strings.TrimPrefix(address, "grpc://"))
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health: %s reports %s", address, resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) conn(target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[target]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[target] = c
	return c, nil
}

// Close releases every cached connection.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for target, c := range p.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.conns, target)
	}
	return first
}

// MultiProber picks a prober by address scheme.
type MultiProber struct {
	HTTP Prober
	GRPC Prober
}

func (m MultiProber) Probe(ctx context.Context, address string) error {
	if strings.HasPrefix(strings.ToLower(address), "grpc://") {
		if m.GRPC == nil {
			return fmt.Errorf("health: no grpc prober for %s", address)
		}
		return m.GRPC.Probe(ctx, address)
	}
	return m.HTTP.Probe(ctx, address)
}
