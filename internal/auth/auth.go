// Package auth derives the rate-limit identity of a request: a client key and
// a tier name.
//
// The tier comes from a claim in the caller's bearer token. The token's
// signature is NOT verified here; the claim is trusted as asserted by the
// authentication layer in front of the gateway. Deployments without such a
// layer let any caller pick its own tier.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Request is the part of an inbound request the resolver looks at.
type Request struct {
	Credential    string // bearer token, empty when absent
	SourceAddress string // client address hint from a forwarding header
}

// Source records which signal produced an identity key.
type Source int

const (
	SourceSubject Source = iota
	SourceAddress
	// SourceAnonymous keys are random per request, so such callers are
	// effectively not rate limited.
	SourceAnonymous
)

func (s Source) String() string {
	switch s {
	case SourceSubject:
		return "subject"
	case SourceAddress:
		return "address"
	default:
		return "anonymous"
	}
}

type Identity struct {
	Key    string
	Tier   string
	Source Source
}

// TierSet is the view of the tier table the resolver needs.
type TierSet interface {
	Has(name string) bool
	Default() string
}

type Resolver struct {
	tiers        TierSet
	tierClaim    string
	subjectClaim string
	newID        func() string
	parser       *jwt.Parser
}

type Option func(*Resolver)

// WithTierClaim sets the claim holding the tier name (default "tier").
func WithTierClaim(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.tierClaim = name
		}
	}
}

// WithSubjectClaim sets the claim holding the client subject (default "sub").
func WithSubjectClaim(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.subjectClaim = name
		}
	}
}

// WithIDGenerator replaces the random fallback key generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Resolver) { r.newID = fn }
}

func NewResolver(tiers TierSet, opts ...Option) *Resolver {
	r := &Resolver{
		tiers:        tiers,
		tierClaim:    "tier",
		subjectClaim: "sub",
		newID:        uuid.NewString,
		parser:       jwt.NewParser(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve never fails: a missing or malformed credential yields the default
// tier, and the key falls back from the credential subject to the source
// address to a fresh random value.
func (r *Resolver) Resolve(req Request) Identity {
	id := Identity{Tier: r.tiers.Default()}

	var subject string
	if claims, ok := r.claims(req.Credential); ok {
		if tier, ok := claims[r.tierClaim].(string); ok && r.tiers.Has(tier) {
			id.Tier = tier
		}
		if s, ok := claims[r.subjectClaim].(string); ok {
			subject = strings.TrimSpace(s)
		}
	}

	switch {
	case subject != "":
		id.Key, id.Source = "sub:"+subject, SourceSubject
	case strings.TrimSpace(req.SourceAddress) != "":
		id.Key, id.Source = "ip:"+strings.TrimSpace(req.SourceAddress), SourceAddress
	default:
		id.Key, id.Source = "anon:"+r.newID(), SourceAnonymous
	}
	return id
}

func (r *Resolver) claims(token string) (jwt.MapClaims, bool) {
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// Extractor builds a Request from HTTP headers.
type Extractor struct {
	header    string
	scheme    string
	forwarded []string
}

// NewExtractor reads the credential from header, stripping scheme (e.g.
// "Bearer"); values with another scheme count as absent. The source address is
// the first hop of the first non-empty forwarded header.
func NewExtractor(header, scheme string, forwarded []string) *Extractor {
	h := header
	if h == "" {
		h = "Authorization"
	}
	if len(forwarded) == 0 {
		forwarded = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	return &Extractor{header: h, scheme: scheme, forwarded: forwarded}
}

func (e *Extractor) FromHTTP(r *http.Request) Request {
	return Request{
		Credential:    e.credential(r),
		SourceAddress: e.sourceAddress(r),
	}
}

func (e *Extractor) credential(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get(e.header))
	if v == "" || e.scheme == "" {
		return v
	}
	prefix := e.scheme + " "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func (e *Extractor) sourceAddress(r *http.Request) string {
	for _, h := range e.forwarded {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return ""
}

type ctxKey int

const keyIdentity ctxKey = 0

// WithIdentity injects the resolved identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(Identity)
	return id, ok
}
