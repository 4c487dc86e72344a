package tokenstore

import (
	"testing"
	"time"
)

func TestLoadMissingReturnsNil(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := s.Load("twitch")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	in := &Record{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Scopes:       []string{"chat:read", "moderator:read:followers"},
		UserID:       "12826",
	}
	if err := s.Save("twitch", in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load("twitch")
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.AccessToken != in.AccessToken || out.UserID != in.UserID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("expiry mismatch: %v", out.ExpiresAt)
	}
	if !out.HasScope("chat:read") || out.HasScope("bits:read") {
		t.Error("scope set mismatch")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("twitch", &Record{AccessToken: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("twitch", &Record{AccessToken: "new"}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Load("twitch")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "new" {
		t.Fatalf("expected replacement, got %q", rec.AccessToken)
	}
}

func TestDelete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("twitch", &Record{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("twitch"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.Load("twitch"); rec != nil {
		t.Fatal("record should be gone")
	}
	// Deleting a missing record is not an error.
	if err := s.Delete("twitch"); err != nil {
		t.Fatal(err)
	}
}

func TestExpiredHonorsBuffer(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rec := &Record{ExpiresAt: now.Add(4 * time.Minute)}

	if rec.Expired(now, 0) {
		t.Error("record with 4m left is not expired without buffer")
	}
	if !rec.Expired(now, 5*time.Minute) {
		t.Error("record inside the 5m refresh buffer counts as expired")
	}
}
