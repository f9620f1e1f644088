package ops

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// CreateAuthToken generates a fresh jwt secret and bearer token and writes
// both to tokenPath, replacing whatever was there. Operators run this to
// rotate credentials.
func CreateAuthToken(tokenPath string) (string, error) {
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}
	token, err := signToken(secret)
	if err != nil {
		return "", err
	}
	if err := writeAuthToken(tokenPath, secret, token); err != nil {
		return "", err
	}
	log.WithField("path", tokenPath).Info("Wrote new auth token")
	return token, nil
}

// initializeAuthToken loads the jwt secret and token from the token file, or
// creates the file when it does not exist yet.
func (s *Service) initializeAuthToken() error {
	if s.tokenPath == "" {
		return errors.New("auth token path is empty")
	}
	f, err := os.ReadFile(filepath.Clean(s.tokenPath))
	switch {
	case os.IsNotExist(err):
		secret, serr := randomSecret()
		if serr != nil {
			return serr
		}
		token, serr := signToken(secret)
		if serr != nil {
			return serr
		}
		if serr := writeAuthToken(s.tokenPath, secret, token); serr != nil {
			return serr
		}
		s.jwtSecret, s.authToken = secret, token
		log.WithField("path", s.tokenPath).Info("Generated new auth token")
		return nil
	case err != nil:
		return errors.Wrapf(err, "could not read auth token file %s", s.tokenPath)
	}
	secret, token, err := parseAuthTokenFile(string(f))
	if err != nil {
		return errors.Wrapf(err, "malformed auth token file %s", s.tokenPath)
	}
	s.jwtSecret, s.authToken = secret, token
	return nil
}

// parseAuthTokenFile reads the two-line token file format: a hex jwt secret
// on the first line and the issued bearer token on the second.
func parseAuthTokenFile(contents string) ([]byte, string, error) {
	lines := strings.Split(strings.TrimSpace(contents), "\n")
	if len(lines) != 2 {
		return nil, "", fmt.Errorf("expected 2 lines, got %d", len(lines))
	}
	secret, err := hex.DecodeString(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, "", errors.Wrap(err, "first line is not a hex secret")
	}
	if len(secret) == 0 {
		return nil, "", errors.New("empty jwt secret")
	}
	return secret, strings.TrimSpace(lines[1]), nil
}

func writeAuthToken(tokenPath string, secret []byte, token string) error {
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0700); err != nil {
		return errors.Wrap(err, "could not create auth token directory")
	}
	contents := hex.EncodeToString(secret) + "\n" + token + "\n"
	if err := os.WriteFile(tokenPath, []byte(contents), 0600); err != nil {
		return errors.Wrap(err, "could not write auth token file")
	}
	return nil
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "could not generate jwt secret")
	}
	return secret, nil
}

func signToken(secret []byte) (string, error) {
	token := jwt.New(jwt.SigningMethodHS256)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "could not sign auth token")
	}
	return signed, nil
}

// authMiddleware rejects requests whose bearer token does not verify against
// the jwt secret.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "unauthorized: no bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
