package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewJWTVerifier("s3cret", "threatwatch")
	token, err := v.Issue(Principal{UserID: "42", TenantID: "acme"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "42" || p.TenantID != "acme" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier("s3cret", "threatwatch")
	other := NewJWTVerifier("different", "threatwatch")
	forged, _ := other.Issue(Principal{UserID: "1"}, time.Minute)
	expired, _ := v.Issue(Principal{UserID: "1"}, -time.Minute)
	reserved, _ := v.Issue(Principal{UserID: "1", TenantID: "global"}, time.Minute)
	tokens := map[string]string{"empty": "", "forged": forged, "expired": expired, "garbage": "a.b.c", "reserved tenant": reserved}
	for name, token := range tokens {
		if _, err := v.Verify(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestVerifyNumericClaims(t *testing.T) {
	secret := []byte("s3cret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":   7,
		"tenant_id": 3,
		"exp":       time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := NewJWTVerifier("s3cret", "").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "7" || p.TenantID != "3" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewJWTVerifier("s3cret", "")
	var got Principal
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	token, _ := v.Issue(Principal{UserID: "u1", TenantID: "t1"}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/events/stream?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.TenantID != "t1" {
		t.Fatalf("query token rejected: %d %+v", rec.Code, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.UserID != "u1" {
		t.Fatalf("header token rejected: %d %+v", rec.Code, got)
	}
}
