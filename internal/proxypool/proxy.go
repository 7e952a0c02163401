package proxypool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HealthState classifies how usable a proxy currently is.
type HealthState string

const (
	HealthUnverified HealthState = "unverified"
	HealthHealthy    HealthState = "healthy"
	HealthDegraded   HealthState = "degraded"
	HealthDead       HealthState = "dead"
)

// Proxy is one egress endpoint. Assignment and health are owned by the Pool;
// copies handed out elsewhere are snapshots.
type Proxy struct {
	ID          string
	Scheme      string
	Host        string
	Port        int
	Username    string
	Password    string
	Health      HealthState
	Fails       int
	Latency     time.Duration
	LastChecked time.Time
	AssignedTo  string
}

// Addr returns the dialable host:port.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders the full connection string including credentials.
func (p Proxy) URL() string {
	u := url.URL{Scheme: p.Scheme, Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Redacted renders the endpoint without credentials, for logs.
func (p Proxy) Redacted() string {
	return p.Scheme + "://" + p.Addr()
}

// ParseDescriptor parses a proxy connection descriptor. Accepted forms:
//
//	HOST:PORT
//	HOST:PORT:USER:PASS
//	scheme://[user:pass@]HOST:PORT
//
// The scheme defaults to http for the colon-separated forms.
func ParseDescriptor(raw string) (Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proxy{}, fmt.Errorf("empty proxy descriptor")
	}
	if strings.Contains(raw, "://") {
		return parseURLForm(raw)
	}

	parts := strings.Split(raw, ":")
	p := Proxy{Scheme: "http", Health: HealthUnverified}
	switch len(parts) {
	case 2:
		p.Host = parts[0]
	case 4:
		p.Host = parts[0]
		p.Username = parts[2]
		p.Password = parts[3]
	default:
		return Proxy{}, fmt.Errorf("proxy descriptor %q: want HOST:PORT or HOST:PORT:USER:PASS", raw)
	}
	port, err := parsePort(parts[1])
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy descriptor %q: %w", raw, err)
	}
	p.Port = port
	if p.Host == "" {
		return Proxy{}, fmt.Errorf("proxy descriptor %q: empty host", raw)
	}
	return p, nil
}

func parseURLForm(raw string) (Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy descriptor %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return Proxy{}, fmt.Errorf("proxy descriptor %q: empty host", raw)
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy descriptor %q: %w", raw, err)
	}
	p := Proxy{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Health: HealthUnverified,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing port")
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
