package engine

import "entitysync/internal/session"

// Diagnostics is a point-in-time operational snapshot served over HTTP. It
// reads only the internally synchronized pieces, so it is safe to collect
// from any goroutine while the writer loop runs.
type Diagnostics struct {
	Connections     []session.DiagnosticsConn `json:"connections"`
	PendingCommands int                       `json:"pendingCommands"`
	PendingRequests int                       `json:"pendingRequests"`
}

// DiagnosticsSnapshot collects the current operational snapshot.
func (e *Engine) DiagnosticsSnapshot() Diagnostics {
	return Diagnostics{
		Connections:     e.sessions.DiagnosticsSnapshot(),
		PendingCommands: e.buffer.Len(),
		PendingRequests: e.correlator.Len(),
	}
}
