package tool

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

// Tool is a registry entry: the catalog description plus the client that
// serves it.
type Tool struct {
	Name        string
	Description string
	Mutating    bool
	Idempotent  bool
	Params      Schema

	server *Client
}

// Registry maps tool names to the servers that advertise them. It is built
// once at startup and read-only afterwards, so concurrent dispatch needs no
// locking.
type Registry struct {
	tools map[string]Tool
}

// BuildRegistry enumerates each server's catalog and merges them. A tool
// name advertised by two servers is a fatal configuration error.
func BuildRegistry(ctx context.Context, servers []*Client) (*Registry, error) {
	tools := make(map[string]Tool)
	owner := make(map[string]string)

	for _, server := range servers {
		catalog, err := server.Catalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrConfiguration, err)
		}
		for _, entry := range catalog {
			if existing, ok := owner[entry.Name]; ok {
				return nil, fmt.Errorf("%w: tool %q advertised by both %s and %s",
					contractx.ErrConfiguration, entry.Name, existing, server.Name())
			}
			owner[entry.Name] = server.Name()
			tools[entry.Name] = Tool{
				Name:        entry.Name,
				Description: entry.Description,
				Mutating:    entry.Mutating,
				Idempotent:  entry.Idempotent,
				Params:      entry.Parameters,
				server:      server,
			}
		}
		log.Info().Str("server", server.Name()).Int("tools", len(catalog)).Msg("tool server connected")
	}

	return &Registry{tools: tools}, nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	return len(r.tools)
}
