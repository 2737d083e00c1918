package api

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

const (
	contentTypePEM  = "application/x-pem-file"
	contentTypeDER  = "application/pkix-cert"
	contentTypeJSON = "application/json"

	// SerialHeader carries the decimal serial of a newly issued certificate.
	SerialHeader = "X-Certificate-Serial"
)

// Health reports liveness. It answers 503 until the CA is ready.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ready := a.sc.CA() != nil && a.sc.CA().Ready()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", CAReady: true})
}

// GetCACert returns the CA certificate as PEM, or DER with ?format=der.
func (a *API) GetCACert(w http.ResponseWriter, r *http.Request) {
	cert, err := a.sc.CA().CACertificate()
	if err != nil {
		mapError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "der" {
		w.Header().Set("Content-Type", contentTypeDER)
		w.WriteHeader(http.StatusOK)
		w.Write(cert.Raw)
		return
	}
	writePEM(w, http.StatusOK, cert)
}

// SignCSR enrolls a PEM or DER PKCS#10 request. The new certificate is
// returned as PEM, or as JSON when the client accepts application/json.
func (a *API) SignCSR(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, a.trustedProxies)
	if blocked, retryAfter := a.limiter.check(ip); blocked {
		a.audit.logFailure(AuditEnrollmentRateLimited, r, "rate limited", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxCSRBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.limiter.recordFailure(ip)
			a.audit.logFailure(AuditEnrollmentRejected, r, "request too large", slog.String("client_ip", ip))
			writeError(w, http.StatusRequestEntityTooLarge, "certificate request too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	der, err := pki.DecodeCSR(body)
	if err == nil {
		var cert *x509.Certificate
		cert, err = a.sc.CA().SignCertificate(r.Context(), der)
		if err == nil {
			a.limiter.recordSuccess(ip)
			a.audit.log(AuditCertIssued, r,
				slog.String("serial", cert.SerialNumber.String()),
				slog.String("subject", cert.Subject.String()),
				slog.String("client_ip", ip),
			)
			w.Header().Set(SerialHeader, cert.SerialNumber.String())
			if acceptsJSON(r) {
				writeJSON(w, http.StatusCreated, certificateInfo(cert))
				return
			}
			writePEM(w, http.StatusCreated, cert)
			return
		}
	}

	if statusFor(err) < http.StatusInternalServerError {
		a.limiter.recordFailure(ip)
		a.audit.logFailure(AuditEnrollmentRejected, r, err.Error(), slog.String("client_ip", ip))
	} else {
		a.audit.logFailure(AuditEnrollmentFailed, r, err.Error(), slog.String("client_ip", ip))
	}
	mapError(w, err)
}

// ListCertificates returns a page of issued certificates, CA included, in
// ascending serial order.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.sc.CA().ListCertificates(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := page(len(certs), limit, offset)

	resp := ListCertificatesResponse{
		Certificates:   make([]CertificateInfo, 0, end-start),
		PaginationMeta: meta,
	}
	for _, cert := range certs[start:end] {
		resp.Certificates = append(resp.Certificates, certificateInfo(cert))
	}
	a.audit.log(AuditCertificatesListed, r, slog.Int("count", len(resp.Certificates)))
	writeJSON(w, http.StatusOK, resp)
}

// GetCertificate returns one issued certificate by decimal serial.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	serial, ok := new(big.Int).SetString(chi.URLParam(r, "serial"), 10)
	if !ok || serial.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "serial must be a positive decimal integer")
		return
	}
	certs, err := a.sc.CA().ListCertificates(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(serial) != 0 {
			continue
		}
		if acceptsJSON(r) {
			writeJSON(w, http.StatusOK, certificateInfo(cert))
			return
		}
		writePEM(w, http.StatusOK, cert)
		return
	}
	writeError(w, http.StatusNotFound, "certificate not found")
}

func writePEM(w http.ResponseWriter, status int, cert *x509.Certificate) {
	w.Header().Set("Content-Type", contentTypePEM)
	w.WriteHeader(status)
	pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func acceptsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeJSON)
}

func certificateInfo(cert *x509.Certificate) CertificateInfo {
	sum := sha256.Sum256(cert.Raw)
	info := CertificateInfo{
		Serial:            cert.SerialNumber.String(),
		Subject:           cert.Subject.String(),
		Issuer:            cert.Issuer.String(),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		FingerprintSHA256: util.HexColon(sum[:]),
		IsCA:              cert.IsCA,
		PEM:               string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
	}
	for _, eku := range cert.ExtKeyUsage {
		info.ExtKeyUsage = append(info.ExtKeyUsage, extKeyUsageName(eku))
	}
	return info
}

var extKeyUsageNames = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageServerAuth:      "server_auth",
	x509.ExtKeyUsageClientAuth:      "client_auth",
	x509.ExtKeyUsageCodeSigning:     "code_signing",
	x509.ExtKeyUsageEmailProtection: "email_protection",
	x509.ExtKeyUsageTimeStamping:    "time_stamping",
	x509.ExtKeyUsageOCSPSigning:     "ocsp_signing",
}

func extKeyUsageName(eku x509.ExtKeyUsage) string {
	if name, ok := extKeyUsageNames[eku]; ok {
		return name
	}
	return "other"
}
