package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"
)

// RedactedPrefix marks a value that was replaced by its fingerprint.
const RedactedPrefix = "redacted:sha256:"

// Matching is case-insensitive on substrings of the key.
var secretKeywords = []string{"secret", "password", "passwd", "token", "api_key", "apikey", "private_key", "credential", "access_key", "auth_key"}

// IsSecretKey reports whether an environment key looks like a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, w := range secretKeywords {
		if strings.Contains(k, w) {
			return true
		}
	}
	return false
}

// Fingerprint returns a short digest of v. Values that already are
// fingerprints are returned unchanged.
func Fingerprint(v string) string {
	if strings.HasPrefix(v, RedactedPrefix) {
		return v
	}
	sum := sha256.Sum256([]byte(v))
	return RedactedPrefix + hex.EncodeToString(sum[:6])
}

// RedactValue replaces credential values with their fingerprint and the
// password of a URL with userinfo (e.g. a DSN) with the password's
// fingerprint. Values that are not valid UTF-8 are fingerprinted as well so
// they can be checksummed. Changes stay detectable without storing the secret.
func RedactValue(key, v string) string {
	if IsSecretKey(key) || !utf8.ValidString(v) {
		return Fingerprint(v)
	}
	if !strings.Contains(v, "@") {
		return v
	}
	u, err := url.Parse(v)
	if err != nil || u.User == nil {
		return v
	}
	if pw, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), Fingerprint(pw))
		return u.String()
	}
	return v
}

// RedactEnv returns a copy of env with every value passed through RedactValue.
func RedactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = RedactValue(k, v)
	}
	return out
}
