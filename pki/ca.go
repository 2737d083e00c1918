// Package pki implements a single-root certificate authority. The CA creates
// or loads its self-signed identity, then signs PKCS#10 requests under fixed
// per-role extension profiles, allocating serial numbers from a durable
// storage.Store.
package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

type state int

const (
	stateUninitialized state = iota
	stateReady
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CA is a certificate authority engine. Construct it with New, call
// Initialize once, then issue with SignCertificate from any number of
// goroutines. Destroy releases the key material.
type CA struct {
	store      storage.Store
	cfg        *validatedConfig
	authorizer Authorizer
	profiles   *ProfileRegistry
	keys       KeyStore
	kdfParams  KDFParams
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	state    state
	password *memguard.Enclave
	keyID    string
	caCert   *x509.Certificate
	sigAlg   x509.SignatureAlgorithm
}

// New validates cfg and returns an uninitialized CA backed by store.
func New(store storage.Store, cfg Config, opts ...Option) (*CA, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInitialization)
	}
	vc, err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	ca := &CA{
		store:      store,
		cfg:        vc,
		authorizer: AllowAll(),
		profiles:   DefaultProfileRegistry(),
		keys:       NewSoftwareKeyStore(),
		kdfParams:  util.DefaultArgon2idParams(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ca)
	}
	if err := util.ValidateArgon2idParams(ca.kdfParams); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	ca.logger = ca.logger.With("component", "ca")
	ca.password = memguard.NewEnclave([]byte(util.Normalize(cfg.KeyStorePassword)))
	return ca, nil
}

// Initialize loads the persisted CA identity, or creates one with a fresh
// key pair and a self-signed certificate at serial 1. On failure the CA
// stays uninitialized and Initialize may be retried.
func (ca *CA) Initialize(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.state != stateUninitialized {
		return illegalState("initialize", ca.state)
	}

	password, err := ca.password.Open()
	if err != nil {
		return fmt.Errorf("%w: opening password enclave: %w", ErrInitialization, err)
	}
	defer password.Destroy()

	var keyID string
	var cert *x509.Certificate
	sigAlg := ca.cfg.sigAlg
	id, err := ca.store.LoadCAIdentity(ctx)
	switch {
	case err == nil:
		keyID, cert, sigAlg, err = ca.loadIdentity(id, password.String())
	case errors.Is(err, storage.ErrNotFound):
		keyID, cert, err = ca.createIdentity(ctx, password.String())
	default:
		err = storeError("loading CA identity", err)
	}
	if err != nil {
		ca.logger.Error("CA initialization failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	ca.keyID = keyID
	ca.caCert = cert
	ca.sigAlg = sigAlg
	ca.state = stateReady
	return nil
}

func (ca *CA) createIdentity(ctx context.Context, password string) (string, *x509.Certificate, error) {
	keyID, err := ca.keys.GenerateKey(ca.cfg.KeyAlgorithm, ca.cfg.KeyBits)
	if err != nil {
		return "", nil, err
	}
	cert, id, err := ca.selfSign(keyID, password)
	if err == nil {
		err = ca.store.SaveCAIdentity(ctx, id)
		if err != nil {
			err = storeError("saving CA identity", err)
		}
	}
	if err != nil {
		_ = ca.keys.Delete(keyID)
		return "", nil, err
	}
	ca.logger.Info("created CA identity",
		"subject", cert.Subject.String(),
		"key_algorithm", string(ca.cfg.KeyAlgorithm),
		"key_bits", ca.cfg.KeyBits,
		"not_after", cert.NotAfter,
	)
	return keyID, cert, nil
}

func (ca *CA) selfSign(keyID, password string) (*x509.Certificate, *storage.Identity, error) {
	signer, err := ca.keys.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}
	ski, err := publicKeyID(signer.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("computing key identifier: %w", err)
	}

	// crypto/x509 omits the AKI of self-signed certificates unless the
	// template sets it.
	notBefore := ca.now().UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(storage.CASerial),
		RawSubject:         ca.cfg.issuer,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(ca.cfg.validity),
		SignatureAlgorithm: ca.cfg.sigAlg,
		SubjectKeyId:       ski,
		AuthorityKeyId:     ski,
	}
	caProfile().apply(tmpl)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyDER, err := ca.keys.ExportPKCS8(keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("exporting CA key: %w", err)
	}
	defer util.WipeBytes(keyDER)

	id, err := sealIdentity(ca.cfg.KeyAlgorithm, keyDER, der, password, ca.kdfParams, notBefore)
	if err != nil {
		return nil, nil, err
	}
	return cert, id, nil
}

func (ca *CA) loadIdentity(id *storage.Identity, password string) (string, *x509.Certificate, x509.SignatureAlgorithm, error) {
	keyDER, cert, err := openIdentity(id, password)
	if err != nil {
		return "", nil, 0, err
	}
	defer util.WipeBytes(keyDER)

	sigAlg, err := ca.signatureAlgorithmFor(cert.PublicKey)
	if err != nil {
		return "", nil, 0, err
	}
	keyID, err := ca.keys.ImportPKCS8(keyDER)
	if err != nil {
		return "", nil, 0, fmt.Errorf("importing CA key: %w", err)
	}
	if id.KeyAlgorithm != string(ca.cfg.KeyAlgorithm) {
		ca.logger.Warn("persisted CA key algorithm differs from configuration",
			"persisted", id.KeyAlgorithm,
			"configured", string(ca.cfg.KeyAlgorithm),
			"signature_algorithm", sigAlg.String(),
		)
	}
	ca.logger.Info("loaded CA identity",
		"subject", cert.Subject.String(),
		"not_after", cert.NotAfter,
	)
	return keyID, cert, sigAlg, nil
}

// signatureAlgorithmFor picks the algorithm for a loaded CA key. A configured
// algorithm must suit the key; an unset one falls back to the key's default.
func (ca *CA) signatureAlgorithmFor(pub any) (x509.SignatureAlgorithm, error) {
	pubAlg := publicKeyAlgorithm(pub)
	if signatureKeyAlgorithms[ca.cfg.sigAlg] == pubAlg {
		return ca.cfg.sigAlg, nil
	}
	if ca.cfg.SignatureAlgorithm != "" {
		return 0, fmt.Errorf("signature algorithm %s cannot be used with the persisted %s CA key", ca.cfg.sigAlg, pubAlg)
	}
	switch pubAlg {
	case x509.RSA:
		return x509.SHA256WithRSA, nil
	case x509.ECDSA:
		return x509.ECDSAWithSHA256, nil
	}
	return 0, fmt.Errorf("unsupported CA key type %T", pub)
}

// SignCertificate issues a certificate for the DER-encoded PKCS#10 request.
//
// The request's self-signature must verify, the Authorizer must admit it and
// its role must resolve to a leaf profile. Only then is a serial allocated.
// A serial whose issuance later fails is never reused.
func (ca *CA) SignCertificate(ctx context.Context, csrDER []byte) (*x509.Certificate, error) {
	iss, err := ca.issuer("sign")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest(csrDER)
	if err != nil {
		ca.logger.Warn("rejected malformed request", "error", err)
		return nil, err
	}
	subject := req.CSR.Subject.String()

	ok, err := ca.authorizer.IsAuthorized(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
	}
	if !ok {
		ca.logger.Warn("request denied", "subject", subject, "role", string(req.Role))
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, subject)
	}

	profile, err := ca.profiles.Resolve(req.Role)
	if err != nil {
		ca.logger.Warn("request rejected", "subject", subject, "role", string(req.Role), "error", err)
		return nil, err
	}

	ski, err := subjectKeyID(req.CSR.RawSubjectPublicKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return ca.mint(ctx, iss, leafRequest{
		rawSubject: req.CSR.RawSubject,
		subject:    subject,
		publicKey:  req.CSR.PublicKey,
		ski:        ski,
		profile:    profile,
	})
}

// issuerSnapshot is the signing state read under the lock at the start of an
// issuance.
type issuerSnapshot struct {
	keyID  string
	cert   *x509.Certificate
	sigAlg x509.SignatureAlgorithm
}

func (ca *CA) issuer(op string) (issuerSnapshot, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.state != stateReady {
		return issuerSnapshot{}, illegalState(op, ca.state)
	}
	return issuerSnapshot{keyID: ca.keyID, cert: ca.caCert, sigAlg: ca.sigAlg}, nil
}

type leafRequest struct {
	rawSubject []byte
	subject    string
	publicKey  any
	ski        []byte
	profile    Profile
	dnsNames   []string
	ips        []net.IP
}

// mint allocates a serial, then signs and persists one leaf certificate.
// Signer checks run before allocation so a misconfigured CA never burns
// serials.
func (ca *CA) mint(ctx context.Context, iss issuerSnapshot, leaf leafRequest) (*x509.Certificate, error) {
	signer, err := ca.keys.Signer(iss.keyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: CA key released: %w", ErrIllegalState, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIssuance, err)
	}
	if signatureKeyAlgorithms[iss.sigAlg] != publicKeyAlgorithm(signer.Public()) {
		return nil, fmt.Errorf("%w: signature algorithm %s does not match the CA key", ErrIssuance, iss.sigAlg)
	}

	serial, err := ca.store.NextSerial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIssuance, storeError("allocating serial", err))
	}

	notBefore := ca.now().UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(serial),
		RawSubject:         leaf.rawSubject,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(ca.cfg.validity),
		SignatureAlgorithm: iss.sigAlg,
		SubjectKeyId:       leaf.ski,
		AuthorityKeyId:     iss.cert.SubjectKeyId,
		DNSNames:           leaf.dnsNames,
		IPAddresses:        leaf.ips,
	}
	leaf.profile.apply(tmpl)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, iss.cert, leaf.publicKey, signer)
	if err != nil {
		ca.logger.Warn("serial skipped", "serial", serial, "error", err)
		return nil, fmt.Errorf("%w: signing serial %d: %w", ErrIssuance, serial, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		ca.logger.Warn("serial skipped", "serial", serial, "error", err)
		return nil, fmt.Errorf("%w: parsing serial %d: %w", ErrIssuance, serial, err)
	}
	if err := ca.store.SaveCertificate(ctx, serial, der); err != nil {
		ca.logger.Warn("serial skipped", "serial", serial, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrIssuance, storeError(fmt.Sprintf("saving serial %d", serial), err))
	}

	ca.logger.Info("issued certificate",
		"serial", serial,
		"subject", leaf.subject,
		"role", string(leaf.profile.Role),
		"not_after", cert.NotAfter,
	)
	return cert, nil
}

// ListCertificates returns every certificate the CA has issued, its own
// included, in ascending serial order.
func (ca *CA) ListCertificates(ctx context.Context) ([]*x509.Certificate, error) {
	ca.mu.RLock()
	st := ca.state
	ca.mu.RUnlock()
	if st != stateReady {
		return nil, illegalState("list", st)
	}

	ders, err := ca.store.ListCertificates(ctx)
	if err != nil {
		return nil, storeError("listing certificates", err)
	}
	certs := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, storeError("parsing stored certificate", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// CACertificate returns the CA's self-signed certificate.
func (ca *CA) CACertificate() (*x509.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.state != stateReady {
		return nil, illegalState("get CA certificate", ca.state)
	}
	return ca.caCert, nil
}

// Ready reports whether the CA can issue certificates.
func (ca *CA) Ready() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.state == stateReady
}

// Authorizer returns the policy consulted before every issuance.
func (ca *CA) Authorizer() Authorizer {
	return ca.authorizer
}

// Destroy releases the CA key material. Further operations fail with
// ErrIllegalState. Destroy is idempotent and does nothing before Initialize.
func (ca *CA) Destroy() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.state != stateReady {
		return
	}
	if err := ca.keys.Delete(ca.keyID); err != nil {
		ca.logger.Warn("releasing CA key", "error", err)
	}
	ca.keyID = ""
	ca.caCert = nil
	ca.sigAlg = x509.UnknownSignatureAlgorithm
	ca.password = nil
	ca.state = stateDestroyed
	ca.logger.Info("CA destroyed")
}
