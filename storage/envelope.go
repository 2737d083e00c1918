package storage

import (
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

const (
	envelopeVersion = 1

	// SchemeAES256GCM is the only sealing scheme Envelope supports.
	SchemeAES256GCM = "aes256gcm"
)

// Envelope is an AES-256-GCM sealed payload. The store treats it as opaque.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Nonce = util.CopyBytes(e.Nonce)
	c.Ciphertext = util.CopyBytes(e.Ciphertext)
	return &c
}

// SealRecord encrypts plaintext under key, binding it to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	nonce, ciphertext, err := util.SealGCM(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeAES256GCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord decrypts e. A wrong key and a wrong aad are indistinguishable.
func OpenRecord(key []byte, e *Envelope, aad []byte) ([]byte, error) {
	switch {
	case e == nil:
		return nil, fmt.Errorf("missing envelope")
	case e.Ver != envelopeVersion:
		return nil, fmt.Errorf("unsupported envelope version: %d", e.Ver)
	case e.Scheme != SchemeAES256GCM:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", e.Scheme)
	}
	return util.OpenGCM(key, e.Nonce, e.Ciphertext, aad)
}
