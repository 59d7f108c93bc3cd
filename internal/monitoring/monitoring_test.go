package monitoring

import (
	"testing"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(nil)
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	if metrics.OperationsApplied == nil {
		t.Error("Expected OperationsApplied to be initialized")
	}
	if metrics.OperationsQueued == nil {
		t.Error("Expected OperationsQueued to be initialized")
	}
	if metrics.ConflictsResolved == nil {
		t.Error("Expected ConflictsResolved to be initialized")
	}
	if metrics.QueueDepth == nil {
		t.Error("Expected QueueDepth to be initialized")
	}
	if metrics.QueueFailedEntries == nil {
		t.Error("Expected QueueFailedEntries to be initialized")
	}
	if metrics.ReconnectAttempts == nil {
		t.Error("Expected ReconnectAttempts to be initialized")
	}
	if metrics.AckLatency == nil {
		t.Error("Expected AckLatency to be initialized")
	}
	if metrics.SyncResponseLatency == nil {
		t.Error("Expected SyncResponseLatency to be initialized")
	}
	if metrics.ActiveConnections == nil {
		t.Error("Expected ActiveConnections to be initialized")
	}
	if metrics.ErrorCount == nil {
		t.Error("Expected ErrorCount to be initialized")
	}
	if metrics.DocumentsRegistered == nil {
		t.Error("Expected DocumentsRegistered to be initialized")
	}
}
