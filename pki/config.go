package pki

import (
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

// KeyAlgorithm names the family of the CA signing key.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA KeyAlgorithm = "RSA"
	KeyAlgorithmEC  KeyAlgorithm = "EC"
)

// ParseKeyAlgorithm accepts "RSA", "EC" or "ECDSA" in any case.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RSA":
		return KeyAlgorithmRSA, nil
	case "EC", "ECDSA":
		return KeyAlgorithmEC, nil
	}
	return "", fmt.Errorf("unsupported key algorithm %q", s)
}

// MinRSAKeyBits is the smallest RSA modulus the CA will generate.
const MinRSAKeyBits = 1024

// KDFParams controls the Argon2id derivation that protects the sealed CA key.
type KDFParams = util.Argon2idParams

// Config carries the immutable settings of a CA engine.
type Config struct {
	// KeyAlgorithm and KeyBits select the CA key: RSA with a modulus of at
	// least MinRSAKeyBits, or EC with 256, 384 or 521 naming the NIST curve.
	KeyAlgorithm KeyAlgorithm
	KeyBits      int

	// ValidityDays is the lifetime of the CA certificate and of every
	// certificate it issues.
	ValidityDays int

	// KeyStorePassword protects the persisted CA private key.
	KeyStorePassword string

	// Issuer is the CA distinguished name in RFC 4514 form, for example
	// "CN=CA,O=it-result.me,C=RU".
	Issuer string

	// SignatureAlgorithm such as "SHA512WithRSA" or "SHA256WithECDSA". When
	// empty a default matching KeyAlgorithm is used.
	SignatureAlgorithm string
}

// DefaultConfig returns a 2048-bit RSA configuration without a password.
func DefaultConfig() Config {
	return Config{
		KeyAlgorithm:       KeyAlgorithmRSA,
		KeyBits:            2048,
		ValidityDays:       365,
		Issuer:             "CN=ironca",
		SignatureAlgorithm: "SHA256WithRSA",
	}
}

// validatedConfig is Config after parsing.
type validatedConfig struct {
	Config
	sigAlg   x509.SignatureAlgorithm
	issuer   []byte
	validity time.Duration
}

func (c Config) validate() (*validatedConfig, error) {
	if c.ValidityDays <= 0 {
		return nil, fmt.Errorf("validity must be a positive number of days, got %d", c.ValidityDays)
	}
	if c.KeyStorePassword == "" {
		return nil, fmt.Errorf("key store password is required")
	}

	var pubAlg x509.PublicKeyAlgorithm
	switch c.KeyAlgorithm {
	case KeyAlgorithmRSA:
		if c.KeyBits < MinRSAKeyBits {
			return nil, fmt.Errorf("RSA key size %d is below the minimum of %d", c.KeyBits, MinRSAKeyBits)
		}
		pubAlg = x509.RSA
	case KeyAlgorithmEC:
		if _, err := curveForBits(c.KeyBits); err != nil {
			return nil, err
		}
		pubAlg = x509.ECDSA
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", c.KeyAlgorithm)
	}

	name := c.SignatureAlgorithm
	if name == "" {
		name = defaultSignatureAlgorithm(c.KeyAlgorithm)
	}
	sigAlg, err := ParseSignatureAlgorithm(name)
	if err != nil {
		return nil, err
	}
	if signatureKeyAlgorithms[sigAlg] != pubAlg {
		return nil, fmt.Errorf("signature algorithm %s cannot be used with %s keys", sigAlg, c.KeyAlgorithm)
	}

	issuer, err := MarshalDistinguishedName(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}

	return &validatedConfig{
		Config:   c,
		sigAlg:   sigAlg,
		issuer:   issuer,
		validity: time.Duration(c.ValidityDays) * 24 * time.Hour,
	}, nil
}

func curveForBits(bits int) (elliptic.Curve, error) {
	switch bits {
	case 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported EC key size %d (want 256, 384 or 521)", bits)
}

func defaultSignatureAlgorithm(alg KeyAlgorithm) string {
	if alg == KeyAlgorithmEC {
		return "SHA256WithECDSA"
	}
	return "SHA256WithRSA"
}

var signatureKeyAlgorithms = map[x509.SignatureAlgorithm]x509.PublicKeyAlgorithm{
	x509.SHA256WithRSA:    x509.RSA,
	x509.SHA384WithRSA:    x509.RSA,
	x509.SHA512WithRSA:    x509.RSA,
	x509.SHA256WithRSAPSS: x509.RSA,
	x509.SHA384WithRSAPSS: x509.RSA,
	x509.SHA512WithRSAPSS: x509.RSA,
	x509.ECDSAWithSHA256:  x509.ECDSA,
	x509.ECDSAWithSHA384:  x509.ECDSA,
	x509.ECDSAWithSHA512:  x509.ECDSA,
}

var signatureAlgorithmNames = func() map[string]x509.SignatureAlgorithm {
	m := map[string]x509.SignatureAlgorithm{
		"sha256withrsa":        x509.SHA256WithRSA,
		"sha384withrsa":        x509.SHA384WithRSA,
		"sha512withrsa":        x509.SHA512WithRSA,
		"sha256withrsaandmgf1": x509.SHA256WithRSAPSS,
		"sha384withrsaandmgf1": x509.SHA384WithRSAPSS,
		"sha512withrsaandmgf1": x509.SHA512WithRSAPSS,
		"sha256withrsapss":     x509.SHA256WithRSAPSS,
		"sha384withrsapss":     x509.SHA384WithRSAPSS,
		"sha512withrsapss":     x509.SHA512WithRSAPSS,
		"sha256withecdsa":      x509.ECDSAWithSHA256,
		"sha384withecdsa":      x509.ECDSAWithSHA384,
		"sha512withecdsa":      x509.ECDSAWithSHA512,
	}
	// Also accept crypto/x509's own names, e.g. "SHA256-RSA".
	for alg := range signatureKeyAlgorithms {
		m[normalizeAlgorithmName(alg.String())] = alg
	}
	return m
}()

func normalizeAlgorithmName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
}

// ParseSignatureAlgorithm maps a case-insensitive algorithm name such as
// "SHA512WithRSA" to its crypto/x509 constant.
func ParseSignatureAlgorithm(name string) (x509.SignatureAlgorithm, error) {
	if alg, ok := signatureAlgorithmNames[normalizeAlgorithmName(name)]; ok {
		return alg, nil
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported signature algorithm %q", name)
}

// Option configures optional collaborators of a CA.
type Option func(*CA)

// WithAuthorizer sets the policy consulted before every issuance. The
// default admits every well-formed request.
func WithAuthorizer(a Authorizer) Option {
	return func(ca *CA) {
		if a != nil {
			ca.authorizer = a
		}
	}
}

// WithProfiles replaces the default server and client profiles.
func WithProfiles(r *ProfileRegistry) Option {
	return func(ca *CA) {
		if r != nil {
			ca.profiles = r
		}
	}
}

// WithKeyStore sets where the CA private key lives while the engine is
// ready. The default is a SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(ca *CA) {
		if ks != nil {
			ca.keys = ks
		}
	}
}

// WithKDFParams sets the Argon2id cost used when sealing a new CA key.
func WithKDFParams(p KDFParams) Option {
	return func(ca *CA) { ca.kdfParams = p }
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ca *CA) {
		if l != nil {
			ca.logger = l
		}
	}
}

// WithClock overrides time.Now for validity computation.
func WithClock(now func() time.Time) Option {
	return func(ca *CA) {
		if now != nil {
			ca.now = now
		}
	}
}

// KDFProfile returns the named Argon2id cost profile: "interactive",
// "moderate" or "sensitive".
func KDFProfile(name string) (KDFParams, error) {
	return util.Argon2idProfile(name)
}
