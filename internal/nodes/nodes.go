// Package nodes resolves the ordered list of storage replicas from configuration.
//
// The position of a node in the resolved slice is its index. Indexes are stable
// for the lifetime of the process and are how every other package reports on a
// node ("node 0 failed"). Changing the node set requires a restart.
package nodes

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/shardvault/shardvault/internal/config"
)

// ErrInvalidNodeConfig is wrapped by every error Resolve returns.
var ErrInvalidNodeConfig = errors.New("invalid node configuration")

// Node identifies one storage replica.
type Node struct {
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
}

// Address returns the node as host:port.
func (n Node) Address() string {
	return net.JoinHostPort(n.Endpoint, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return n.Address()
}

// Resolve returns the configured nodes in order. The explicit endpoint list
// wins over the single-host form. Any unparseable entry fails the whole call.
func Resolve(cfg config.NodesConfig) ([]Node, error) {
	var (
		resolved []Node
		err      error
	)

	switch {
	case len(cfg.Endpoints) > 0:
		resolved, err = fromEndpoints(cfg.Endpoints)
	case cfg.Host != "" || len(cfg.Ports) > 0:
		resolved, err = fromHostPorts(cfg.Host, cfg.Ports)
	default:
		return nil, fmt.Errorf("%w: no storage nodes configured", ErrInvalidNodeConfig)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(resolved))
	for i, n := range resolved {
		if prev, dup := seen[n.Address()]; dup {
			return nil, fmt.Errorf("%w: node %d duplicates node %d (%s)", ErrInvalidNodeConfig, i, prev, n.Address())
		}
		seen[n.Address()] = i
	}

	return resolved, nil
}

// fromEndpoints parses host:port entries. An entry may itself be a
// comma-separated list, which is how the environment override arrives.
func fromEndpoints(entries []string) ([]Node, error) {
	var out []Node
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			n, err := Parse(part)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	}
	return out, nil
}

func fromHostPorts(host string, ports []int) ([]Node, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("%w: nodes.host is required when nodes.ports is set", ErrInvalidNodeConfig)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: nodes.ports is required when nodes.host is set", ErrInvalidNodeConfig)
	}
	out := make([]Node, 0, len(ports))
	for _, p := range ports {
		if err := validatePort(p); err != nil {
			return nil, fmt.Errorf("%w: host %s: %v", ErrInvalidNodeConfig, host, err)
		}
		out = append(out, Node{Endpoint: host, Port: p})
	}
	return out, nil
}

// Parse parses a single host:port entry.
func Parse(entry string) (Node, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return Node{}, fmt.Errorf("%w: empty node entry", ErrInvalidNodeConfig)
	}
	if strings.Contains(entry, "://") {
		return Node{}, fmt.Errorf("%w: %q: scheme not allowed, use nodes.use_tls", ErrInvalidNodeConfig, entry)
	}

	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeConfig, entry, err)
	}
	if host == "" {
		return Node{}, fmt.Errorf("%w: %q: empty host", ErrInvalidNodeConfig, entry)
	}
	if strings.ContainsAny(host, "/ ") {
		return Node{}, fmt.Errorf("%w: %q: invalid host", ErrInvalidNodeConfig, entry)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %q: invalid port %q", ErrInvalidNodeConfig, entry, portStr)
	}
	if err := validatePort(port); err != nil {
		return Node{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeConfig, entry, err)
	}

	return Node{Endpoint: host, Port: port}, nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}
