package auth

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tierSet map[string]struct{}

func (t tierSet) Has(name string) bool { _, ok := t[name]; return ok }
func (t tierSet) Default() string      { return "basic" }

var tiers = tierSet{"basic": {}, "pro": {}, "enterprise": {}}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-checked"))
	require.NoError(t, err)
	return s
}

func fixedID() string { return "fixed" }

func TestResolve(t *testing.T) {
	r := NewResolver(tiers, WithIDGenerator(fixedID))

	tests := []struct {
		name string
		req  Request
		want Identity
	}{
		{
			name: "subject and tier from token",
			req:  Request{Credential: token(t, jwt.MapClaims{"sub": "alice", "tier": "pro"}), SourceAddress: "203.0.113.5"},
			want: Identity{Key: "sub:alice", Tier: "pro", Source: SourceSubject},
		},
		{
			name: "unknown tier falls back to default",
			req:  Request{Credential: token(t, jwt.MapClaims{"sub": "bob", "tier": "platinum"})},
			want: Identity{Key: "sub:bob", Tier: "basic", Source: SourceSubject},
		},
		{
			name: "non-string tier ignored",
			req:  Request{Credential: token(t, jwt.MapClaims{"sub": "bob", "tier": 7})},
			want: Identity{Key: "sub:bob", Tier: "basic", Source: SourceSubject},
		},
		{
			name: "token without subject uses address",
			req:  Request{Credential: token(t, jwt.MapClaims{"tier": "enterprise"}), SourceAddress: "203.0.113.5"},
			want: Identity{Key: "ip:203.0.113.5", Tier: "enterprise", Source: SourceAddress},
		},
		{
			name: "malformed token degrades to default tier",
			req:  Request{Credential: "not.a.jwt", SourceAddress: "198.51.100.7"},
			want: Identity{Key: "ip:198.51.100.7", Tier: "basic", Source: SourceAddress},
		},
		{
			name: "no signals at all",
			req:  Request{},
			want: Identity{Key: "anon:fixed", Tier: "basic", Source: SourceAnonymous},
		},
		{
			name: "blank address counts as absent",
			req:  Request{SourceAddress: "   "},
			want: Identity{Key: "anon:fixed", Tier: "basic", Source: SourceAnonymous},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.req))
		})
	}
}

func TestResolve_UnsignedTokenStillReadsClaims(t *testing.T) {
	// header {"alg":"none"} with a tier claim and an empty signature
	enc := base64.RawURLEncoding
	tok := enc.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(`{"sub":"carol","tier":"pro"}`)) + "."

	id := NewResolver(tiers).Resolve(Request{Credential: tok})
	assert.Equal(t, Identity{Key: "sub:carol", Tier: "pro", Source: SourceSubject}, id)
}

func TestResolve_CustomClaims(t *testing.T) {
	r := NewResolver(tiers, WithTierClaim("plan"), WithSubjectClaim("client_id"), WithTierClaim(""))

	id := r.Resolve(Request{Credential: token(t, jwt.MapClaims{"client_id": "svc-1", "plan": "pro", "tier": "enterprise"})})
	assert.Equal(t, Identity{Key: "sub:svc-1", Tier: "pro", Source: SourceSubject}, id)
}

func TestResolve_AnonymousKeysAreUnique(t *testing.T) {
	r := NewResolver(tiers)

	a := r.Resolve(Request{})
	b := r.Resolve(Request{})
	assert.Equal(t, SourceAnonymous, a.Source)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestSource_String(t *testing.T) {
	assert.Equal(t, "subject", SourceSubject.String())
	assert.Equal(t, "address", SourceAddress.String())
	assert.Equal(t, "anonymous", SourceAnonymous.String())
}

func TestExtractor_FromHTTP(t *testing.T) {
	e := NewExtractor("", "Bearer", nil)

	tests := []struct {
		name    string
		headers map[string]string
		want    Request
	}{
		{
			name:    "bearer token and forwarded chain",
			headers: map[string]string{"Authorization": "Bearer abc.def.ghi", "X-Forwarded-For": "203.0.113.50, 70.41.3.18"},
			want:    Request{Credential: "abc.def.ghi", SourceAddress: "203.0.113.50"},
		},
		{
			name:    "scheme is case-insensitive",
			headers: map[string]string{"Authorization": "bearer tok"},
			want:    Request{Credential: "tok"},
		},
		{
			name:    "other scheme is ignored",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			want:    Request{},
		},
		{
			name:    "real ip when no forwarded-for",
			headers: map[string]string{"X-Real-IP": "198.51.100.1"},
			want:    Request{SourceAddress: "198.51.100.1"},
		},
		{
			name:    "empty first hop falls through",
			headers: map[string]string{"X-Forwarded-For": " , 10.0.0.1", "X-Real-IP": "198.51.100.1"},
			want:    Request{SourceAddress: "198.51.100.1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/things", nil)
			req.RemoteAddr = "10.0.0.9:4444"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, e.FromHTTP(req))
		})
	}
}

func TestExtractor_NoScheme(t *testing.T) {
	e := NewExtractor("X-API-Token", "", []string{"CF-Connecting-IP"})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Token", " raw-token ")
	req.Header.Set("CF-Connecting-IP", "192.0.2.4")
	req.Header.Set("X-Forwarded-For", "203.0.113.50")

	assert.Equal(t, Request{Credential: "raw-token", SourceAddress: "192.0.2.4"}, e.FromHTTP(req))
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	want := Identity{Key: "sub:alice", Tier: "pro"}
	got, ok := IdentityFrom(WithIdentity(context.Background(), want))
	require.True(t, ok)
	assert.Equal(t, want, got)
}
