package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signSession(t *testing.T, claims *SessionClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseSessionToken(t *testing.T) {
	id := uuid.New()
	raw := signSession(t, &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AssociationID:       id,
		ApplicationProtocol: "rdp",
		DestinationHost:     "srv1.example.com:3389",
		ConnectionMode:      ModeForward,
		RecordingPolicy:     true,
	})

	claims, err := ParseSessionToken(testKey, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AssociationID != id {
		t.Fatalf("jet_aid = %s, want %s", claims.AssociationID, id)
	}
	if claims.ApplicationProtocol != "rdp" {
		t.Fatalf("jet_ap = %q", claims.ApplicationProtocol)
	}
	if claims.DestinationHost != "srv1.example.com:3389" {
		t.Fatalf("dst_hst = %q", claims.DestinationHost)
	}
	if claims.ConnectionMode != ModeForward {
		t.Fatalf("jet_cm = %q", claims.ConnectionMode)
	}
	if !claims.RecordingPolicy {
		t.Fatal("jet_rec should be true")
	}
}

func TestParseSessionTokenDefaultsMode(t *testing.T) {
	raw := signSession(t, &SessionClaims{
		AssociationID:       uuid.New(),
		ApplicationProtocol: "unknown",
	})
	claims, err := ParseSessionToken(testKey, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ConnectionMode != ModeRendezvous {
		t.Fatalf("mode = %q, want rdv", claims.ConnectionMode)
	}
}

func TestParseSessionTokenMissingID(t *testing.T) {
	raw := signSession(t, &SessionClaims{ApplicationProtocol: "rdp"})
	if _, err := ParseSessionToken(testKey, raw); err == nil {
		t.Fatal("expected error for missing jet_aid")
	}
}

func TestParseSessionTokenBadKey(t *testing.T) {
	raw := signSession(t, &SessionClaims{AssociationID: uuid.New()})
	if _, err := ParseSessionToken([]byte("wrong key wrong key wrong key!!!"), raw); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseSessionTokenExpired(t *testing.T) {
	raw := signSession(t, &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		AssociationID: uuid.New(),
	})
	if _, err := ParseSessionToken(testKey, raw); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestParseRecordingToken(t *testing.T) {
	id := uuid.New()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &RecordingClaims{
		AssociationID: id,
		FileType:      FileTypeTRP,
	}).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ParseRecordingToken(testKey, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AssociationID != id {
		t.Fatalf("jet_aid = %s", claims.AssociationID)
	}
	if claims.FileType != FileTypeTRP {
		t.Fatalf("jet_rft = %q", claims.FileType)
	}
}

func TestParseRecordingTokenDefaultsFileType(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &RecordingClaims{
		AssociationID: uuid.New(),
	}).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseRecordingToken(testKey, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.FileType != FileTypeWebM {
		t.Fatalf("file type = %q, want webm", claims.FileType)
	}
}

func TestParseScopeToken(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &ScopeClaims{
		Scope: ScopeSessionsRead,
	}).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseScopeToken(testKey, raw, ScopeSessionsRead); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseScopeToken(testKey, raw, ScopeRecordingsRead); err == nil {
		t.Fatal("expected scope mismatch error")
	}
}

func TestFileTypeValid(t *testing.T) {
	for _, ok := range []FileType{"webm", "trp", "bin9"} {
		if !ok.Valid() {
			t.Fatalf("%q should be valid", ok)
		}
	}
	for _, bad := range []FileType{"", "We bm", "a.b", "UP"} {
		if bad.Valid() {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}
