package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// RSAKeyBits is the modulus size for the per-tenant RSA keypair.
const RSAKeyBits = 2048

// RSAKeypair is a generated RSA-OAEP-2048 keypair.
type RSAKeypair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateRSAKeypair creates a new RSA-OAEP-2048 keypair.
func GenerateRSAKeypair() (*RSAKeypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate rsa key: %w", err)
	}
	return &RSAKeypair{Private: priv, Public: &priv.PublicKey}, nil
}

// jwk is the minimal RFC 7517 JSON Web Key shape needed to round-trip an
// RSA private key: base64url (no padding) big-endian integers, "use":"enc"
// per the "sig"/"enc" JWK convention (this key is used to unwrap DATA_KEY,
// never to sign).
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
}

func b64(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}

func unb64(s string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return new(big.Int).SetBytes(raw), nil
}

// MarshalJWK serialises an RSA private key to its JWK JSON form.
func MarshalJWK(priv *rsa.PrivateKey) ([]byte, error) {
	if len(priv.Primes) != 2 {
		return nil, fmt.Errorf("cryptoutil: unsupported rsa key (want 2 primes, got %d)", len(priv.Primes))
	}
	k := jwk{
		Kty: "RSA",
		Use: "enc",
		N:   b64(priv.N),
		E:   b64(big.NewInt(int64(priv.E))),
		D:   b64(priv.D),
		P:   b64(priv.Primes[0]),
		Q:   b64(priv.Primes[1]),
	}
	return json.Marshal(k)
}

// ParseJWK parses a JWK JSON private key produced by MarshalJWK.
func ParseJWK(data []byte) (*rsa.PrivateKey, error) {
	var k jwk
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, ErrInvalidKeyFormat
	}
	if k.Kty != "RSA" {
		return nil, ErrInvalidKeyFormat
	}

	n, err := unb64(k.N)
	if err != nil {
		return nil, err
	}
	e, err := unb64(k.E)
	if err != nil {
		return nil, err
	}
	d, err := unb64(k.D)
	if err != nil {
		return nil, err
	}
	p, err := unb64(k.P)
	if err != nil {
		return nil, err
	}
	q, err := unb64(k.Q)
	if err != nil {
		return nil, err
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: n,
			E: int(e.Int64()),
		},
		D:      d,
		Primes: []*big.Int{p, q},
	}
	priv.Precompute()

	if err := priv.Validate(); err != nil {
		return nil, ErrInvalidKeyFormat
	}

	return priv, nil
}

// RSAWrap encrypts a symmetric key under an RSA public key using OAEP-SHA256.
func RSAWrap(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: rsa wrap: %w", err)
	}
	return ciphertext, nil
}

// RSAUnwrap decrypts a symmetric key wrapped with RSAWrap.
func RSAUnwrap(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return key, nil
}
