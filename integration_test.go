//go:build integration

package starling

import (
	"context"
	"os"
	"testing"
	"time"
)

// testServerURL requires STARLING_TEST_URL so it never runs in the
// default test suite.
func testServerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("STARLING_TEST_URL")
	if url == "" {
		t.Fatal("STARLING_TEST_URL environment variable is required")
	}
	return url
}

// TestIntegrationConnectAndSync exercises a real Helios-Starling server.
func TestIntegrationConnectAndSync(t *testing.T) {
	client := New(testServerURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect("integration test complete")

	if _, err := client.Sync(RefreshOptions{Force: true}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
