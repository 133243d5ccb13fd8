package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", time.Hour)

	token, err := sessions.NewSession(42)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := sessions.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !ok || userID != 42 {
		t.Fatalf("got (%d, %v), want (42, true)", userID, ok)
	}
}

func TestRedisSessionStoreUnknownToken(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", time.Hour)

	_, ok, err := sessions.GetUserIDByToken("no-such-token")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if ok {
		t.Fatal("unknown token should not resolve")
	}
}

func TestRedisSessionStoreDeleteRevokes(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", time.Hour)

	token, err := sessions.NewSession(7)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sessions.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, _ := sessions.GetUserIDByToken(token); ok {
		t.Fatal("deleted token should not resolve")
	}
}

func TestRedisSessionStoreExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", time.Minute)

	token, err := sessions.NewSession(7)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := sessions.GetUserIDByToken(token); ok {
		t.Fatal("expired token should not resolve")
	}
}
