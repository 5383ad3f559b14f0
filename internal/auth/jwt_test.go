package auth

import (
	"testing"
	"time"
)

func TestGenerateValidate_RoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.Generate("prov-1", []string{"PROVIDER"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "prov-1" {
		t.Errorf("sub = %s, want prov-1", claims.UserID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "PROVIDER" {
		t.Errorf("roles = %v, want [PROVIDER]", claims.Roles)
	}
}

func TestValidate_BearerPrefix(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	token, err := m.Generate("u1", []string{"TENANT"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Validate("Bearer " + token); err != nil {
		t.Errorf("bearer-prefixed token rejected: %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).Generate("u1", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewManager("secret-b", time.Hour).Validate(token); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestValidate_Expired(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	// A negative TTL stamps an expiry in the past.
	short := &Manager{secret: []byte("test-secret"), ttl: -time.Minute}
	token, err := short.Generate("u1", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Validate(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestValidate_Garbage(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	if _, err := m.Validate("not-a-token"); err == nil {
		t.Error("garbage token accepted")
	}
}
