package token

import (
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ConnectionMode is how the gateway reaches the target for a session.
type ConnectionMode string

const (
	// ModeRendezvous: both ends dial the gateway and are matched up.
	ModeRendezvous ConnectionMode = "rdv"
	// ModeForward: the gateway dials the destination host itself.
	ModeForward ConnectionMode = "fwd"
)

func (m ConnectionMode) Valid() bool {
	return m == ModeRendezvous || m == ModeForward
}

// FileType is the container extension for recording payload files.
type FileType string

const (
	FileTypeWebM FileType = "webm"
	FileTypeTRP  FileType = "trp"
)

var fileTypeRe = regexp.MustCompile(`^[a-z0-9]+$`)

func (t FileType) Valid() bool {
	return fileTypeRe.MatchString(string(t))
}

// SessionClaims are the JWT claims carried by a session token. The token
// layer validates signature and expiry; downstream code treats a parsed
// SessionClaims as trusted.
type SessionClaims struct {
	jwt.RegisteredClaims
	AssociationID       uuid.UUID      `json:"jet_aid"`
	ApplicationProtocol string         `json:"jet_ap"`
	DestinationHost     string         `json:"dst_hst,omitempty"`
	ConnectionMode      ConnectionMode `json:"jet_cm"`
	RecordingPolicy     bool           `json:"jet_rec,omitempty"`
}

// RecordingClaims are the JWT claims for a recording push (JREC) token.
type RecordingClaims struct {
	jwt.RegisteredClaims
	AssociationID uuid.UUID `json:"jet_aid"`
	FileType      FileType  `json:"jet_rft,omitempty"`
}

// ScopeClaims are the JWT claims for admin API tokens.
type ScopeClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

const (
	ScopeSessionsRead   = "gateway.sessions.read"
	ScopeRecordingsRead = "gateway.recordings.read"
)

func keyFunc(key []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}
}

// ParseSessionToken verifies an HS256 session token and returns its claims.
func ParseSessionToken(key []byte, tokenString string) (*SessionClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, keyFunc(key))
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := tok.Claims.(*SessionClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid session token claims")
	}
	if claims.AssociationID == uuid.Nil {
		return nil, fmt.Errorf("session token is missing jet_aid")
	}
	if claims.ConnectionMode == "" {
		claims.ConnectionMode = ModeRendezvous
	}
	if !claims.ConnectionMode.Valid() {
		return nil, fmt.Errorf("invalid connection mode %q", claims.ConnectionMode)
	}
	return claims, nil
}

// ParseRecordingToken verifies an HS256 recording push token and returns its claims.
func ParseRecordingToken(key []byte, tokenString string) (*RecordingClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &RecordingClaims{}, keyFunc(key))
	if err != nil {
		return nil, fmt.Errorf("parse recording token: %w", err)
	}
	claims, ok := tok.Claims.(*RecordingClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid recording token claims")
	}
	if claims.AssociationID == uuid.Nil {
		return nil, fmt.Errorf("recording token is missing jet_aid")
	}
	if claims.FileType == "" {
		claims.FileType = FileTypeWebM
	}
	if !claims.FileType.Valid() {
		return nil, fmt.Errorf("invalid recording file type %q", claims.FileType)
	}
	return claims, nil
}

// ParseScopeToken verifies an HS256 admin token and checks it grants scope.
func ParseScopeToken(key []byte, tokenString, scope string) (*ScopeClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &ScopeClaims{}, keyFunc(key))
	if err != nil {
		return nil, fmt.Errorf("parse scope token: %w", err)
	}
	claims, ok := tok.Claims.(*ScopeClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid scope token claims")
	}
	if claims.Scope != scope && claims.Scope != "*" {
		return nil, fmt.Errorf("token scope %q does not grant %q", claims.Scope, scope)
	}
	return claims, nil
}
