package scep

import (
	"crypto"
	"crypto/x509"
	"strings"
	"sync"

	"github.com/smallstep/pkcs7"
	"gopkg.in/errgo.v2/fmt/errors"
)

// https://datatracker.ietf.org/doc/html/rfc5652#section-6 section 6.1

// CipherAlgorithm names the content-encryption algorithm of an envelope.
type CipherAlgorithm string

const (
	CipherDESCBC     CipherAlgorithm = "des-cbc"
	CipherDESEDE3CBC CipherAlgorithm = "des-ede3-cbc"
	CipherAES128CBC  CipherAlgorithm = "aes128-cbc"
	CipherAES256CBC  CipherAlgorithm = "aes256-cbc"
	CipherAES128GCM  CipherAlgorithm = "aes128-gcm"
	CipherAES256GCM  CipherAlgorithm = "aes256-gcm"
)

// DefaultCipher is the cipher RFC 8894 section 3.5.2 expects every implementation to support.
const DefaultCipher = CipherAES128CBC

// ParseCipherAlgorithm accepts the names above, case-insensitively.
func ParseCipherAlgorithm(name string) (CipherAlgorithm, error) {
	alg := CipherAlgorithm(strings.ToLower(strings.TrimSpace(name)))
	if _, err := alg.pkcs7Algorithm(); err != nil {
		return "", err
	}
	return alg, nil
}

func (c CipherAlgorithm) pkcs7Algorithm() (int, error) {
	switch c {
	case CipherDESCBC:
		return pkcs7.EncryptionAlgorithmDESCBC, nil
	case CipherAES128CBC:
		return pkcs7.EncryptionAlgorithmAES128CBC, nil
	case CipherAES256CBC:
		return pkcs7.EncryptionAlgorithmAES256CBC, nil
	case CipherAES128GCM:
		return pkcs7.EncryptionAlgorithmAES128GCM, nil
	case CipherAES256GCM:
		return pkcs7.EncryptionAlgorithmAES256GCM, nil
	}
	// des-ede3-cbc can be decrypted but not produced by the CMS library.
	return 0, errors.Becausef(nil, ErrUnsupportedAlgorithm, "cipher %q cannot be used to encrypt", string(c))
}

// Recipient is the identity an envelope is decrypted with.
type Recipient struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
}

// EnvelopeCodec encrypts payloads for a fixed set of recipient certificates.
// It holds no mutable state; every Encode produces a fresh envelope.
type EnvelopeCodec struct {
	cipher     CipherAlgorithm
	algorithm  int
	recipients []*x509.Certificate
}

// the CMS library selects its content cipher through a package variable
var encryptMu sync.Mutex

func NewEnvelopeCodec(cipher CipherAlgorithm, recipients ...*x509.Certificate) (*EnvelopeCodec, error) {
	if cipher == "" {
		cipher = DefaultCipher
	}
	algorithm, err := cipher.pkcs7Algorithm()
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, errors.Becausef(nil, ErrEnvelope, "an envelope needs at least one recipient certificate")
	}
	for _, r := range recipients {
		if r == nil {
			return nil, errors.Becausef(nil, ErrEnvelope, "nil recipient certificate")
		}
	}
	return &EnvelopeCodec{
		cipher:     cipher,
		algorithm:  algorithm,
		recipients: append([]*x509.Certificate(nil), recipients...),
	}, nil
}

func (e *EnvelopeCodec) Cipher() CipherAlgorithm {
	return e.cipher
}

// Encode returns the DER encoding of a pkcs7 envelopedData holding payload.
func (e *EnvelopeCodec) Encode(payload []byte) ([]byte, error) {
	encryptMu.Lock()
	defer encryptMu.Unlock()

	pkcs7.ContentEncryptionAlgorithm = e.algorithm
	envelope, err := pkcs7.Encrypt(payload, e.recipients)
	if err != nil {
		return nil, errors.Becausef(err, ErrEnvelope, "cannot envelope %d bytes with %s", len(payload), e.cipher)
	}
	return envelope, nil
}

// DecodeEnvelope decrypts an envelopedData addressed to recipient.
func DecodeEnvelope(envelope []byte, recipient Recipient) ([]byte, error) {
	if recipient.Certificate == nil || recipient.PrivateKey == nil {
		return nil, errors.Becausef(nil, ErrEnvelope, "recipient certificate and private key are both required")
	}
	p7, err := pkcs7.Parse(envelope)
	if err != nil {
		return nil, errors.Becausef(err, ErrEnvelope, "malformed envelope")
	}
	plain, err := p7.Decrypt(recipient.Certificate, recipient.PrivateKey)
	if err != nil {
		return nil, errors.Becausef(err, ErrEnvelope, "cannot decrypt envelope for %s", recipient.Certificate.Subject)
	}
	return plain, nil
}
