package adminapi

import (
	"net/http/httptest"
	"testing"
)

func TestResolveTopicsDefaultsToHeartbeat(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/v1/events", nil)
	topics := resolveTopics(req)
	if len(topics) != 1 || topics[0] != "heartbeat" {
		t.Fatalf("expected default [heartbeat], got %v", topics)
	}
}

func TestResolveTopicsParsesCommaSeparatedListAndDedupes(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/v1/events?topics=heartbeat, call:Echo ,heartbeat", nil)
	topics := resolveTopics(req)
	if len(topics) != 2 {
		t.Fatalf("expected 2 deduplicated topics, got %v", topics)
	}
	if topics[0] != "heartbeat" || topics[1] != "call:Echo" {
		t.Fatalf("unexpected topics or order: %v", topics)
	}
}

func TestResolveTopicsIgnoresEmptySegments(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/v1/events?topics=heartbeat,,", nil)
	topics := resolveTopics(req)
	if len(topics) != 1 || topics[0] != "heartbeat" {
		t.Fatalf("expected empty segments to be dropped, got %v", topics)
	}
}
