package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"strings"
)

// IssueServingCertificate issues a server certificate for the CA's own TLS
// listener. It is the one issuance path that writes a subjectAltName: the
// first host becomes the CN and every host is listed as a DNS name or IP
// address. The Authorizer is not consulted; callers are the operator's own
// process, never a remote requester.
func (ca *CA) IssueServingCertificate(ctx context.Context, pub crypto.PublicKey, hosts ...string) (*x509.Certificate, error) {
	iss, err := ca.issuer("issue serving certificate")
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, errors.New("serving certificate needs at least one host")
	}

	leaf := leafRequest{publicKey: pub, profile: ServerProfile()}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, errors.New("serving certificate host is empty")
		}
		if ip := net.ParseIP(h); ip != nil {
			leaf.ips = append(leaf.ips, ip)
		} else {
			leaf.dnsNames = append(leaf.dnsNames, h)
		}
	}

	name := pkix.Name{CommonName: strings.TrimSpace(hosts[0])}
	leaf.subject = name.String()
	leaf.rawSubject, err = asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %w", ErrIssuance, err)
	}
	leaf.ski, err = publicKeyID(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIssuance, err)
	}
	return ca.mint(ctx, iss, leaf)
}
