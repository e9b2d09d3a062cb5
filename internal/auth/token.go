// Package auth consumes bearer tokens issued by the account service. The
// token is an HMAC-SHA256 signed JSON payload carrying the user id, role and
// expiry; only verification is needed here, Issue exists for tests and local
// tooling.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dostava/internal/errs"
	"dostava/internal/models"
)

type Claims struct {
	UserID    int64       `json:"user_id"`
	Role      models.Role `json:"role"`
	ExpiresAt int64       `json:"exp"`
}

type Verifier interface {
	Verify(token string) (Claims, error)
}

type HMACVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *HMACVerifier) Issue(userID int64, role models.Role, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:    userID,
		Role:      role,
		ExpiresAt: v.now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + v.sign(body), nil
}

func (v *HMACVerifier) Verify(token string) (Claims, error) {
	var claims Claims

	body, sig, found := strings.Cut(token, ".")
	if !found {
		return claims, fmt.Errorf("malformed token: %w", errs.ErrAuthentication)
	}
	if !hmac.Equal([]byte(v.sign(body)), []byte(sig)) {
		return claims, fmt.Errorf("bad signature: %w", errs.ErrAuthentication)
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return claims, fmt.Errorf("decode token: %w", errs.ErrAuthentication)
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, fmt.Errorf("unmarshal claims: %w", errs.ErrAuthentication)
	}
	if claims.ExpiresAt != 0 && v.now().Unix() > claims.ExpiresAt {
		return claims, fmt.Errorf("token expired: %w", errs.ErrAuthentication)
	}
	return claims, nil
}

func (v *HMACVerifier) sign(body string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
