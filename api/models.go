package api

import "time"

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports liveness and whether the CA can issue.
type HealthResponse struct {
	Status  string `json:"status"`
	CAReady bool   `json:"ca_ready"`
}

// CertificateInfo describes one issued certificate.
type CertificateInfo struct {
	Serial            string    `json:"serial"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	IsCA              bool      `json:"is_ca"`
	ExtKeyUsage       []string  `json:"ext_key_usage,omitempty"`
	PEM               string    `json:"pem"`
}

// ListCertificatesResponse is a page of issued certificates in ascending
// serial order.
type ListCertificatesResponse struct {
	Certificates []CertificateInfo `json:"certificates"`
	PaginationMeta
}
