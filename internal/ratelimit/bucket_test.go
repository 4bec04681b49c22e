package ratelimit

import "testing"

func TestCanonicalizeRoute(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{
			name:   "channel id generalised",
			method: "GET",
			path:   "/channels/41771983423143936/messages",
			want:   "/channels/:id/messages",
		},
		{
			name:   "non-major segment is generalised",
			method: "GET",
			path:   "/emojis/41771983423143936",
			want:   "/emojis/:id",
		},
		{
			name:   "both ids collapse, reaction emoji collapses too",
			method: "PUT",
			path:   "/channels/123456789012345678/messages/234567890123456789/reactions/%F0%9F%91%8D",
			want:   "/channels/:id/messages/:id/reactions/:id",
		},
		{
			name:   "short ids collapse",
			method: "GET",
			path:   "/channels/123/messages/456",
			want:   "/channels/:id/messages/:id",
		},
		{
			name:   "webhook token collapses, webhook id collapses too",
			method: "POST",
			path:   "/webhooks/123456789012345678/aVeryLongWebhookTokenThatIsAtLeastSixtyFourCharactersLongxxxxxxx/slack",
			want:   "/webhooks/:id/:token/slack",
		},
		{
			name:   "delete message gets method-prefixed bucket, no space",
			method: "DELETE",
			path:   "/channels/123456789012345678/messages/234567890123456789",
			want:   "DELETE/channels/:id/messages/:id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalizeRoute(tt.method, tt.path)
			if got != tt.want {
				t.Fatalf("CanonicalizeRoute(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeRouteIdempotent(t *testing.T) {
	path := "/channels/123456789012345678/messages/234567890123456789"

	once := CanonicalizeRoute("GET", path)
	twice := CanonicalizeRoute("GET", once)

	if once != twice {
		t.Fatalf("canonicalization is not idempotent: %q != %q", once, twice)
	}
}

func TestBucketWaitConsumesRemaining(t *testing.T) {
	b := &Bucket{Limit: 2, Remaining: 2}

	if wait := b.Wait(); wait != 0 {
		t.Fatalf("expected no wait on first call, got %v", wait)
	}

	if b.Remaining != 1 {
		t.Fatalf("expected remaining to drop to 1, got %d", b.Remaining)
	}
}
