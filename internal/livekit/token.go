// Package livekit mints room-join credentials for the two LiveKit
// deployments the platform uses (LiveKit Cloud for paid lessons, a
// self-hosted server for everything else) and verifies the webhooks
// those deployments send back.
//
// Tokens use LiveKit's access-token format: an HS256 JWT signed with the
// deployment's API secret whose issuer is the API key and whose "video"
// claim carries the room grant.
package livekit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when Config.TokenTTL is not positive.
const DefaultTokenTTL = 2 * time.Hour

// Credentials is the API key/secret/URL triplet of one deployment.
type Credentials struct {
	APIKey    string
	APISecret string
	URL       string
}

// missing lists the signing fields that are empty.
func (c Credentials) missing() []string {
	var out []string
	if c.APIKey == "" {
		out = append(out, "api key")
	}
	if c.APISecret == "" {
		out = append(out, "api secret")
	}
	return out
}

// Config is constructed once at process start and injected into the
// issuer and the webhook verifier.
type Config struct {
	Cloud    Credentials
	Self     Credentials
	TokenTTL time.Duration
}

// Deployment names a LiveKit deployment.
func Deployment(isCloud bool) string {
	if isCloud {
		return "cloud"
	}
	return "self-hosted"
}

// ConfigurationError reports that the selected deployment cannot sign
// tokens.  It is an operator problem, never the caller's.
type ConfigurationError struct {
	Deployment string
	Missing    []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("livekit %s deployment is not configured: missing %s",
		e.Deployment, strings.Join(e.Missing, " and "))
}

// IsConfigurationError reports whether err is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// VideoGrant is the room permission block of a LiveKit token.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims are the JWT claims LiveKit reads from access tokens and writes
// into webhook signatures.
type Claims struct {
	jwt.RegisteredClaims
	Name     string      `json:"name,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Sha256   string      `json:"sha256,omitempty"`
}

// JoinRequest describes an authorized participant.
type JoinRequest struct {
	Identity string
	Name     string
	Room     string
	IsCloud  bool
	Metadata string
}

// Token is a signed join credential and the server it is valid for.
type Token struct {
	JWT     string
	URL     string
	Room    string
	IsCloud bool
	Expires time.Time
}

// Issuer mints join tokens.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// NewIssuer returns an Issuer for cfg.
func NewIssuer(cfg Config) *Issuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Issuer{cfg: cfg, now: time.Now}
}

func (i *Issuer) credentials(isCloud bool) Credentials {
	if isCloud {
		return i.cfg.Cloud
	}
	return i.cfg.Self
}

// Issue signs a token granting publish, subscribe and data rights in
// req.Room.  It fails without producing any token when the selected
// deployment lacks an API key or secret.
func (i *Issuer) Issue(req JoinRequest) (Token, error) {
	creds := i.credentials(req.IsCloud)
	if missing := creds.missing(); len(missing) > 0 {
		return Token{}, &ConfigurationError{Deployment: Deployment(req.IsCloud), Missing: missing}
	}
	if req.Identity == "" {
		return Token{}, errors.New("livekit: participant identity is required")
	}
	if req.Room == "" {
		return Token{}, errors.New("livekit: room is required")
	}

	now := i.now().UTC()
	exp := now.Add(i.cfg.TokenTTL)
	allow := true
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			Subject:   req.Identity,
			ID:        req.Identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name:     req.Name,
		Metadata: req.Metadata,
		Video: &VideoGrant{
			RoomJoin:       true,
			Room:           req.Room,
			CanPublish:     &allow,
			CanSubscribe:   &allow,
			CanPublishData: &allow,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.APISecret))
	if err != nil {
		return Token{}, fmt.Errorf("sign livekit token: %w", err)
	}
	return Token{JWT: signed, URL: creds.URL, Room: req.Room, IsCloud: req.IsCloud, Expires: exp}, nil
}
