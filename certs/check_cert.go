package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/errgo.v2/fmt/errors"
)

type ValidationResult int

const (
	Errored ValidationResult = iota
	NotValidYet
	WithinRange
	NearExpiry
	AfterExpiry
)

func (r ValidationResult) String() string {
	switch r {
	case NotValidYet:
		return "not valid yet"
	case WithinRange:
		return "within range"
	case NearExpiry:
		return "near expiry"
	case AfterExpiry:
		return "expired"
	}
	return "errored"
}

var ErrNoPEM = errors.New("could not decode PEM block")

func LoadCert(certPEM []byte, description string) (*x509.Certificate, bool, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		log.Error().Str("description", description).Msg("LoadCert could not decode cert, no details available")
		return nil, false, ErrNoPEM
	}

	log.Debug().Str("description", description).Str("type", block.Type).Interface("headers", block.Headers).Msg("LoadCert loaded PEM content")
	cert, parseErr := x509.ParseCertificate(block.Bytes)
	if parseErr != nil {
		log.Error().Err(parseErr).Str("description", description).Msg("LoadCert could not parse cert")
		return nil, false, parseErr
	}

	if cert.IsCA {
		log.Warn().Str("description", description).Msg("LoadCert certificate is a CA")
	}
	log.Info().
		Str("description", description).
		Stringer("issuer", cert.Issuer).
		Time("not_before", cert.NotBefore).
		Time("not_after", cert.NotAfter).
		Msg("LoadCert got certificate")

	return cert, cert.IsCA, nil
}

// LoadCertChain
/**
decodes every CERTIFICATE block of the given PEM data, in order. A tls.crt usually holds the leaf first
followed by its intermediates. Blocks of other types are skipped.
*/
func LoadCertChain(chainPEM []byte, description string) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			log.Debug().Str("description", description).Str("type", block.Type).Msg("LoadCertChain skipping block")
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Notef(err, nil, "certificate %d of %s", len(chain), description)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrNoPEM
	}
	return chain, nil
}

// LoadPrivateKey
/**
decodes a PKCS#1, SEC 1 or PKCS#8 private key from PEM. Only RSA and ECDSA keys can sign SCEP messages,
anything else is refused.
*/
func LoadPrivateKey(keyPEM []byte, description string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		log.Error().Str("description", description).Msg("LoadPrivateKey could not decode key")
		return nil, ErrNoPEM
	}

	var key crypto.PrivateKey
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		log.Error().Err(err).Str("description", description).Str("type", block.Type).Msg("LoadPrivateKey could not parse key")
		return nil, err
	}

	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return key, nil
	}
	return nil, errors.Newf("%s holds a %T, only RSA and ECDSA keys are supported", description, key)
}

func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func EncodeCRLPEM(crl *x509.RevocationList) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Raw})
}

func EncodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ValidateCertTimes
/*
checks whether the given certificate is expired or nearly expired.

returns a constant of enum ValidationResult indicating the status - Errored, NotValidYet, WithinRange, NearExpiry or AfterExpiry.

arguments:
- cert: the certificate to check
- warningPeriod: time.Duration indicating the "near expiry" period.  If the cert NotAfter date is before this time added to the
current time, then the result is NearExpiry
- description: descriptive string for logging
*/
func ValidateCertTimes(cert *x509.Certificate, warningPeriod time.Duration, description string) (ValidationResult, error) {
	if cert == nil {
		return Errored, errors.Newf("no certificate to validate for %s", description)
	}
	nowTime := time.Now()
	warnTime := nowTime.Add(warningPeriod)

	if nowTime.Before(cert.NotBefore) {
		return NotValidYet, nil
	} else if nowTime.After(cert.NotAfter) {
		return AfterExpiry, nil
	} else if warnTime.After(cert.NotAfter) {
		log.Info().Str("description", description).Float64("percent_used", PercentUsed(&cert.NotBefore, &cert.NotAfter)).Msg("ValidateCertTimes near expiry")
		return NearExpiry, nil
	} else {
		log.Info().Str("description", description).Float64("percent_used", PercentUsed(&cert.NotBefore, &cert.NotAfter)).Msg("ValidateCertTimes within range")
		return WithinRange, nil
	}
}

func PercentUsed(notBefore *time.Time, notAfter *time.Time) float64 {
	certDuration := notAfter.Sub(*notBefore)
	usedDuration := time.Now().Sub(*notBefore)
	return (usedDuration.Seconds() / certDuration.Seconds()) * 100
}
