package livekit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Webhook event names delivered by LiveKit.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

var (
	// ErrMissingSignature is returned when the Authorization header is empty.
	ErrMissingSignature = errors.New("livekit webhook: missing authorization")
	// ErrBadSignature is returned when the token or body hash does not verify.
	ErrBadSignature = errors.New("livekit webhook: signature mismatch")
)

// UnixSeconds decodes LiveKit's createdAt, which protojson renders as a
// quoted int64 but older servers emit as a bare number.
type UnixSeconds int64

func (u *UnixSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	*u = UnixSeconds(n)
	return nil
}

// Time converts to time.Time; zero stays zero.
func (u UnixSeconds) Time() time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(int64(u), 0).UTC()
}

// WebhookRoom is the room block of a webhook payload.
type WebhookRoom struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

// WebhookParticipant is the participant block of a webhook payload.
type WebhookParticipant struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// WebhookEvent is the subset of LiveKit's WebhookEvent the service uses.
type WebhookEvent struct {
	ID          string              `json:"id"`
	Event       string              `json:"event"`
	Room        *WebhookRoom        `json:"room,omitempty"`
	Participant *WebhookParticipant `json:"participant,omitempty"`
	CreatedAt   UnixSeconds         `json:"createdAt"`
}

// RoomName returns the room name or "".
func (e WebhookEvent) RoomName() string {
	if e.Room == nil {
		return ""
	}
	return e.Room.Name
}

// Verifier authenticates webhook deliveries from either deployment.
type Verifier struct {
	secrets map[string]string // api key → secret
}

// NewVerifier trusts every fully configured deployment in cfg.
func NewVerifier(cfg Config) *Verifier {
	v := &Verifier{secrets: make(map[string]string, 2)}
	for _, c := range []Credentials{cfg.Cloud, cfg.Self} {
		if len(c.missing()) == 0 {
			v.secrets[c.APIKey] = c.APISecret
		}
	}
	return v
}

// Verify checks that authHeader carries a token signed by a known API
// key whose sha256 claim matches body, then decodes the event.
func (v *Verifier) Verify(authHeader string, body []byte) (WebhookEvent, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return WebhookEvent{}, ErrMissingSignature
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, ErrBadSignature
		}
		secret, ok := v.secrets[c.Issuer]
		if !ok {
			return nil, fmt.Errorf("unknown api key %q", c.Issuer)
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.Sha256)) != 1 {
		return WebhookEvent{}, fmt.Errorf("%w: body hash", ErrBadSignature)
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	return ev, nil
}

// SignWebhook produces the Authorization value LiveKit would send for
// body.  The service uses it to replay events in tests and tooling.
func SignWebhook(creds Credentials, body []byte, now time.Time) (string, error) {
	if missing := creds.missing(); len(missing) > 0 {
		return "", &ConfigurationError{Deployment: "webhook", Missing: missing}
	}
	sum := sha256.Sum256(body)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Sha256: base64.StdEncoding.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.APISecret))
}
