package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CookieName is the session cookie set by login and checked by the auth
// middleware and the websocket endpoint.
const CookieName = "user_id"

const DefaultSessionTTL = 24 * time.Hour

var ErrExpired = errors.New("session expired")

// SecretKey is replaced from configuration at startup.
var SecretKey = []byte("super-secret-key-change-me-in-production")

func SetSecret(secret string) {
	if secret != "" {
		SecretKey = []byte(secret)
	}
}

// SignCookie creates a signed cookie value in the format "value|signature"
func SignCookie(value string) string {
	mac := hmac.New(sha256.New, SecretKey)
	mac.Write([]byte(value))
	signature := mac.Sum(nil)
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(signature))
}

// VerifyCookie verifies the signed cookie and returns the original value
func VerifyCookie(signedValue string) (string, error) {
	parts := strings.Split(signedValue, "|")
	if len(parts) != 2 {
		return "", errors.New("invalid cookie format")
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid value encoding")
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}

	mac := hmac.New(sha256.New, SecretKey)
	mac.Write([]byte(value))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", errors.New("invalid signature")
	}

	return value, nil
}

// SessionCookie returns a signed cookie naming userID that stops being
// accepted after ttl.
func SessionCookie(userID int, ttl time.Duration) *http.Cookie {
	expires := time.Now().Add(ttl)
	value := fmt.Sprintf("%d.%d", userID, expires.Unix())
	return &http.Cookie{
		Name:     CookieName,
		Value:    SignCookie(value),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ParseSession verifies a session cookie value and returns the user it
// names.
func ParseSession(signedValue string, now time.Time) (int, error) {
	value, err := VerifyCookie(signedValue)
	if err != nil {
		return 0, err
	}

	id, exp, ok := strings.Cut(value, ".")
	if !ok {
		return 0, errors.New("invalid session value")
	}
	userID, err := strconv.Atoi(id)
	if err != nil || userID <= 0 {
		return 0, errors.New("invalid user id")
	}
	expiry, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return 0, errors.New("invalid expiry")
	}
	if now.Unix() >= expiry {
		return 0, ErrExpired
	}
	return userID, nil
}
