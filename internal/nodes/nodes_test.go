package nodes

import (
	"testing"

	"github.com/shardvault/shardvault/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.NodesConfig
		expected []Node
		errorMsg string
	}{
		{
			name: "explicit list",
			cfg:  config.NodesConfig{Endpoints: []string{"minio-a:9000", "minio-b:9001"}},
			expected: []Node{
				{Endpoint: "minio-a", Port: 9000},
				{Endpoint: "minio-b", Port: 9001},
			},
		},
		{
			name: "comma separated entry",
			cfg:  config.NodesConfig{Endpoints: []string{"h1:9000, h2:9000,h3:9000"}},
			expected: []Node{
				{Endpoint: "h1", Port: 9000},
				{Endpoint: "h2", Port: 9000},
				{Endpoint: "h3", Port: 9000},
			},
		},
		{
			name: "single host fallback",
			cfg:  config.NodesConfig{Host: "localhost", Ports: []int{9000, 9001, 9002}},
			expected: []Node{
				{Endpoint: "localhost", Port: 9000},
				{Endpoint: "localhost", Port: 9001},
				{Endpoint: "localhost", Port: 9002},
			},
		},
		{
			name: "explicit list takes precedence",
			cfg: config.NodesConfig{
				Endpoints: []string{"remote:9000"},
				Host:      "localhost",
				Ports:     []int{9000, 9001},
			},
			expected: []Node{{Endpoint: "remote", Port: 9000}},
		},
		{
			name:     "ipv6 literal",
			cfg:      config.NodesConfig{Endpoints: []string{"[::1]:9000"}},
			expected: []Node{{Endpoint: "::1", Port: 9000}},
		},
		{
			name:     "nothing configured",
			cfg:      config.NodesConfig{},
			errorMsg: "no storage nodes configured",
		},
		{
			name:     "empty entry is rejected",
			cfg:      config.NodesConfig{Endpoints: []string{"a:9000,,b:9000"}},
			errorMsg: "empty node entry",
		},
		{
			name:     "missing port",
			cfg:      config.NodesConfig{Endpoints: []string{"a"}},
			errorMsg: "missing port",
		},
		{
			name:     "non numeric port",
			cfg:      config.NodesConfig{Endpoints: []string{"a:http"}},
			errorMsg: "invalid port",
		},
		{
			name:     "port out of range",
			cfg:      config.NodesConfig{Endpoints: []string{"a:70000"}},
			errorMsg: "out of range",
		},
		{
			name:     "empty host",
			cfg:      config.NodesConfig{Endpoints: []string{":9000"}},
			errorMsg: "empty host",
		},
		{
			name:     "scheme not allowed",
			cfg:      config.NodesConfig{Endpoints: []string{"http://a:9000"}},
			errorMsg: "scheme not allowed",
		},
		{
			name:     "duplicate node",
			cfg:      config.NodesConfig{Endpoints: []string{"a:9000", "b:9000", "a:9000"}},
			errorMsg: "node 2 duplicates node 0",
		},
		{
			name:     "ports without host",
			cfg:      config.NodesConfig{Ports: []int{9000}},
			errorMsg: "nodes.host is required",
		},
		{
			name:     "host without ports",
			cfg:      config.NodesConfig{Host: "localhost"},
			errorMsg: "nodes.ports is required",
		},
		{
			name:     "invalid fallback port",
			cfg:      config.NodesConfig{Host: "localhost", Ports: []int{9000, 0}},
			errorMsg: "port 0 out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.cfg)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidNodeConfig)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	cfg := config.NodesConfig{Endpoints: []string{"c:1", "a:1", "b:1"}}

	first, err := Resolve(cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(cfg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "c", first[0].Endpoint)
}

func TestNode_Address(t *testing.T) {
	assert.Equal(t, "minio:9000", Node{Endpoint: "minio", Port: 9000}.Address())
	assert.Equal(t, "[::1]:9000", Node{Endpoint: "::1", Port: 9000}.String())
}
