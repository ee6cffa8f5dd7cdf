package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotifier pushes run lifecycle notifications to the MCP client that
// launched the run.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewRunNotifier creates a notifier that pushes via MCP SSE.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification for the run to its launching session.
// Best-effort: returns nil if no session is connected for the run.
func (n *RunNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil // launcher not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
