package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
)

// handleAgentCard serves the composed agent card. Identity comes from the
// configured base card; skills are rebuilt per request from the currently
// registered workflow plugins, so a hot reload is visible on the next fetch.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := s.buildCard(r)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(card); err != nil {
		logger.Debug("encode agent card", "error", err)
	}
}

func (s *Server) buildCard(r *http.Request) a2a.AgentCard {
	card := s.card
	card.ProtocolVersion = a2a.ProtocolVersion
	card.URL = s.externalURL(r)
	card.Capabilities.Streaming = true
	if len(card.DefaultInputModes) == 0 {
		card.DefaultInputModes = []string{"text/plain"}
	}
	if len(card.DefaultOutputModes) == 0 {
		card.DefaultOutputModes = []string{"text/plain"}
	}

	plugins := s.runtime.Plugins()
	skills := make([]a2a.AgentSkill, 0, len(s.card.Skills)+len(plugins))
	skills = append(skills, s.card.Skills...)
	for _, p := range plugins {
		description := p.Description
		if description == "" {
			description = fmt.Sprintf("Dispatch the %s workflow", p.ID)
		}
		skills = append(skills, a2a.AgentSkill{
			ID:          p.ID,
			Name:        p.Name,
			Description: description,
			Tags:        []string{"workflow"},
		})
	}
	card.Skills = skills
	return card
}

// externalURL reconstructs the endpoint URL clients should dial, preferring
// proxy forwarding headers over the transport-level values.
func (s *Server) externalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if v := headerToken(r, "X-Forwarded-Proto"); v != "" {
		scheme = v
	}

	host := r.Host
	if v := headerToken(r, "X-Forwarded-Host"); v != "" {
		host = v
	}

	prefix := ""
	if v := headerToken(r, "X-Forwarded-Prefix"); v != "" {
		if trimmed := strings.Trim(v, "/"); trimmed != "" {
			prefix = "/" + trimmed
		}
	}

	return scheme + "://" + host + prefix + s.a2aPath
}

// headerToken returns the first comma-separated token of a header, trimmed.
// Chained proxies append their own values; the first is the original client
// edge.
func headerToken(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
