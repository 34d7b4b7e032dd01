package requestor

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"gopkg.in/errgo.v2/fmt/errors"
)

// GenerateNewKey
/**
Generates a new RSA key suitable for signing an SSL certificate. SCEP envelopes can only be
addressed to RSA keys, so this is also the key replies get encrypted to.
*/
func GenerateNewKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// PKCS #9 challengePassword, RFC 2985 section 5.4.1
var oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

// MakeCSRFor
/**
Builds a Certificate Signing Request for the given target and return it or an error.
Parameters:

dn: Distinguished Name that identifies the thing needing the certificate.  This is in the form of a pkix.Name structure
alternateDnsNames: array of strings stipulating alternate DNS names for the server to be considered valid
extraExtensions: other extensions required for this cert (generally supply `nil` for this)
privateKey: pre-created private key that is required for the SSL server
challengePassword: the shared secret a PKCSReq is authenticated with. Leave empty for a RenewalReq.
*/
func MakeCSRFor(dn *pkix.Name, alternateDnsNames []string, extraExtensions []pkix.Extension, privateKey crypto.Signer, challengePassword string) (*x509.CertificateRequest, error) {
	template := &x509.CertificateRequest{
		Subject:         *dn,
		DNSNames:        alternateDnsNames,
		ExtraExtensions: extraExtensions,
	}
	switch privateKey.(type) {
	case *rsa.PrivateKey:
		template.SignatureAlgorithm = x509.SHA256WithRSA
	case *ecdsa.PrivateKey:
		template.SignatureAlgorithm = x509.ECDSAWithSHA256
	default:
		return nil, errors.Newf("cannot build a CSR with a %T", privateKey)
	}

	derBytes, err := x509.CreateCertificateRequest(rand.Reader, template, privateKey)
	if err != nil {
		return nil, err
	}
	if challengePassword != "" {
		derBytes, err = addChallengePassword(derBytes, privateKey, challengePassword)
		if err != nil {
			return nil, err
		}
	}
	return x509.ParseCertificateRequest(derBytes)
}

type rawCSR struct {
	TBS                asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
}

type rawCSRInfo struct {
	Version    int
	Subject    asn1.RawValue
	PublicKey  asn1.RawValue
	Attributes []asn1.RawValue `asn1:"tag:0"`
}

type csrAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

/**
the standard library cannot put a challengePassword attribute into a CSR, so it is appended to the
attributes of a finished request which is then signed again. Both supported signature algorithms use SHA-256.
*/
func addChallengePassword(der []byte, key crypto.Signer, password string) ([]byte, error) {
	var outer rawCSR
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, err
	}
	var info rawCSRInfo
	if _, err := asn1.Unmarshal(outer.TBS.FullBytes, &info); err != nil {
		return nil, err
	}

	value, err := asn1.MarshalWithParams(password, "utf8")
	if err != nil {
		return nil, err
	}
	attr, err := asn1.Marshal(csrAttribute{Type: oidChallengePassword, Values: []asn1.RawValue{{FullBytes: value}}})
	if err != nil {
		return nil, err
	}
	info.Attributes = append(info.Attributes, asn1.RawValue{FullBytes: attr})

	tbs, err := asn1.Marshal(info)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(tbs)
	signature, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(rawCSR{
		TBS:                asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: outer.SignatureAlgorithm,
		Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
}

// ChallengePassword returns the challengePassword attribute of a CSR, if it has one.
func ChallengePassword(csr *x509.CertificateRequest) (string, bool) {
	var info rawCSRInfo
	if _, err := asn1.Unmarshal(csr.RawTBSCertificateRequest, &info); err != nil {
		return "", false
	}
	for _, raw := range info.Attributes {
		var attr csrAttribute
		if _, err := asn1.Unmarshal(raw.FullBytes, &attr); err != nil || !attr.Type.Equal(oidChallengePassword) || len(attr.Values) != 1 {
			continue
		}
		var password string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &password); err == nil {
			return password, true
		}
	}
	return "", false
}

// MakeSelfSignedCert
/**
builds the throwaway certificate a client without a certificate signs its first request with
(RFC 8894 section 2.3). It carries the subject of the request and is valid for a day either side of now,
so that modest clock skew against the CA does not matter.
*/
func MakeSelfSignedCert(signerKey crypto.Signer, subject pkix.Name) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, signerKey.Public(), signerKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}
