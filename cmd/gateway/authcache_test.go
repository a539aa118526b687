package main

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh-io/gateway/internal/identity"
	"github.com/flowmesh-io/gateway/internal/types"
)

func testCachedExtractor() (*cachedExtractor, *identity.Extractor) {
	inner := identity.NewExtractor(identity.DefaultConfig([]byte("test-secret-test-secret-32-bytes")))
	return newCachedExtractor(inner, time.Minute), inner
}

func TestCachedExtractor_FromTokenCachesResult(t *testing.T) {
	c, inner := testCachedExtractor()
	id := types.Identity{OrgID: "org-1", UserID: "user-1", Roles: []string{"member"}}
	token, err := inner.Issue(id, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	got, err := c.FromToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrgID != id.OrgID {
		t.Fatalf("expected org %s, got %s", id.OrgID, got.OrgID)
	}

	if _, ok := c.cache.GetToken(tokenHash(token)); !ok {
		t.Fatalf("expected token to be cached after first verification")
	}

	got2, err := c.FromToken(token)
	if err != nil {
		t.Fatalf("unexpected error on cached lookup: %v", err)
	}
	if got2.OrgID != id.OrgID || got2.UserID != id.UserID {
		t.Fatalf("cached identity mismatch: %+v", got2)
	}
}

func TestCachedExtractor_FromHeaderRejectsMissing(t *testing.T) {
	c, _ := testCachedExtractor()
	if _, err := c.FromHeader(context.Background(), ""); err == nil {
		t.Fatalf("expected error for missing header")
	}
}

func TestCachedExtractor_FromHeaderRejectsWrongScheme(t *testing.T) {
	c, _ := testCachedExtractor()
	if _, err := c.FromHeader(context.Background(), "Basic abc"); err == nil {
		t.Fatalf("expected error for non-bearer scheme")
	}
}

func TestCachedExtractor_FromHeaderValid(t *testing.T) {
	c, inner := testCachedExtractor()
	id := types.Identity{OrgID: "org-1", UserID: "user-1"}
	token, err := inner.Issue(id, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	got, err := c.FromHeader(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrgID != id.OrgID {
		t.Fatalf("expected org %s, got %s", id.OrgID, got.OrgID)
	}
}
