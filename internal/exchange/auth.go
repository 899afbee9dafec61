package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// cdpCredentials signs Advanced Trade requests with a Coinbase CDP API key.
// The secret is an EC private key in PEM form; key names arrive either as the
// bare key ID or the full organizations/.../apiKeys/<id> path.
type cdpCredentials struct {
	keyName    string
	privateKey *ecdsa.PrivateKey
}

func newCDPCredentials(keyName, pemSecret string) (*cdpCredentials, error) {
	if keyName == "" || pemSecret == "" {
		return nil, fmt.Errorf("coinbase API key and secret are required")
	}

	key, err := parseECPrivateKey(pemSecret)
	if err != nil {
		return nil, fmt.Errorf("parse coinbase API secret: %w", err)
	}

	return &cdpCredentials{keyName: keyName, privateKey: key}, nil
}

// parseECPrivateKey accepts SEC1 or PKCS#8 PEM material. Secrets passed
// through env vars often carry literal \n sequences instead of newlines.
func parseECPrivateKey(pemSecret string) (*ecdsa.PrivateKey, error) {
	if strings.Contains(pemSecret, `\n`) && !strings.Contains(pemSecret, "\n") {
		pemSecret = strings.ReplaceAll(pemSecret, `\n`, "\n")
	}
	pemSecret = strings.TrimRight(pemSecret, "\n\r")

	block, _ := pem.Decode([]byte(pemSecret))
	if block == nil {
		return nil, fmt.Errorf("secret is not valid PEM")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("secret is neither SEC1 nor PKCS#8 EC key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("secret is not an EC key")
	}
	return key, nil
}

// token builds a short-lived ES256 JWT for one request. uri is
// "METHOD host/path" per the CDP signing scheme.
func (c *cdpCredentials) token(uri string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": uri,
	})
	t.Header["kid"] = c.keyName
	t.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := t.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}
