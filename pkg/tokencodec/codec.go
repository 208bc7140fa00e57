package tokencodec

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

// Claims is the decoded, unverified payload of an access token. The backend
// is the only party that verifies signatures; the client decodes the payload
// purely to derive the current user identity and expiry for UX decisions.
type Claims struct {
	SubjectID string
	ExpiresAt time.Time
	Raw       jwt.MapClaims
}

// Decode extracts the payload claims from a three-segment dot-delimited
// token without verifying its signature. Any malformation (wrong segment
// count, bad Base64URL padding, invalid JSON) yields nil: decode failure is
// never an error to the caller, only the absence of an identity.
func Decode(tokenText string) *Claims {
	if strings.TrimSpace(tokenText) == "" {
		return nil
	}
	rawClaims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, parseErr := parser.ParseUnverified(tokenText, rawClaims); parseErr != nil {
		return nil
	}
	return &Claims{
		SubjectID: subjectID(rawClaims),
		ExpiresAt: expiresAt(rawClaims),
		Raw:       rawClaims,
	}
}

// SubjectID returns the user identifier carried by the token, or empty when
// the token is absent or undecodable.
func SubjectID(tokenText string) string {
	claims := Decode(tokenText)
	if claims == nil {
		return ""
	}
	return claims.SubjectID
}

// Expired reports whether the claims carry an expiry at or before the given
// instant. Nil claims and claims without an expiry count as expired: a token
// without a usable identity grants nothing.
func (claims *Claims) Expired(now time.Time) bool {
	if claims == nil || claims.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(claims.ExpiresAt)
}

// The backend transports the numeric user id in the audience claim; older
// token shapes used the subject claim, so it remains a fallback.
func subjectID(rawClaims jwt.MapClaims) string {
	audience, audienceErr := rawClaims.GetAudience()
	if audienceErr == nil && len(audience) > 0 && audience[0] != "" {
		return audience[0]
	}
	subject, subjectErr := rawClaims.GetSubject()
	if subjectErr != nil {
		return ""
	}
	return subject
}

func expiresAt(rawClaims jwt.MapClaims) time.Time {
	expiry, expiryErr := rawClaims.GetExpirationTime()
	if expiryErr != nil || expiry == nil {
		return time.Time{}
	}
	return expiry.Time
}
