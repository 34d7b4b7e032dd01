package scep

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/smallstep/pkcs7"
	"gopkg.in/errgo.v2/fmt/errors"
)

// NewCertificateBundle builds a degenerate signedData: certificates only, no content, no signers.
// This is the shape of GetCACert responses with more than one certificate and of CertRep payloads.
func NewCertificateBundle(certs []*x509.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	for _, cert := range certs {
		if cert == nil {
			return nil, errors.Becausef(nil, ErrPayloadEncoding, "nil certificate in bundle")
		}
		buf.Write(cert.Raw)
	}
	bundle, err := pkcs7.DegenerateCertificate(buf.Bytes())
	if err != nil {
		return nil, errors.Becausef(err, ErrPayloadEncoding, "cannot build certificate bundle")
	}
	return bundle, nil
}

// ParseCertificateBundle returns the certificates of a degenerate signedData.
// A bundle built from no certificates yields an empty slice.
func ParseCertificateBundle(der []byte) ([]*x509.Certificate, error) {
	p7, err := parseSignedContainer(der)
	if err != nil {
		return nil, err
	}
	if p7.Certificates == nil {
		return []*x509.Certificate{}, nil
	}
	return p7.Certificates, nil
}

// ParseSignedCertificateBundle opens a GetNextCACert reply: a bundle wrapped in a signedData
// signed by the current CA. With a nil trusted pool only the signature itself is checked.
func ParseSignedCertificateBundle(der []byte, trusted *x509.CertPool) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Becausef(err, ErrVerification, "malformed signed bundle")
	}
	if trusted != nil {
		err = p7.VerifyWithChain(trusted)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, errors.Becausef(err, ErrVerification, "signed bundle does not verify")
	}
	if len(p7.Content) == 0 {
		return nil, errors.Becausef(nil, ErrPayloadDecoding, "signed bundle has no content")
	}
	return ParseCertificateBundle(p7.Content)
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      asn1.RawValue
}

type crlSignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfo
	CRLs             []asn1.RawValue `asn1:"tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// NewCRLBundle builds the degenerate signedData a CA answers GetCRL with, from DER CRLs.
func NewCRLBundle(crls ...[]byte) ([]byte, error) {
	sd := crlSignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{},
		ContentInfo:      contentInfo{ContentType: pkcs7.OIDData},
		SignerInfos:      []asn1.RawValue{},
	}
	for _, crl := range crls {
		if _, err := x509.ParseRevocationList(crl); err != nil {
			return nil, errors.Becausef(err, ErrPayloadEncoding, "malformed CRL")
		}
		sd.CRLs = append(sd.CRLs, asn1.RawValue{FullBytes: crl})
	}
	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, errors.Becausef(err, ErrPayloadEncoding, "cannot build CRL bundle")
	}
	bundle, err := asn1.Marshal(contentInfo{
		ContentType: pkcs7.OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, errors.Becausef(err, ErrPayloadEncoding, "cannot build CRL bundle")
	}
	return bundle, nil
}

// ParseCRLBundle returns the CRLs of a degenerate signedData, the payload of a GetCRL reply.
func ParseCRLBundle(der []byte) ([]*x509.RevocationList, error) {
	if _, err := parseSignedContainer(der); err != nil {
		return nil, err
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, errors.Becausef(err, ErrPayloadDecoding, "CRL bundle is not DER")
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, errors.Becausef(err, ErrPayloadDecoding, "malformed CRL bundle")
	}

	crls := []*x509.RevocationList{}
	rest := sd.CRLs.Bytes
	for len(rest) > 0 {
		var raw asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &raw); err != nil {
			return nil, errors.Becausef(err, ErrPayloadDecoding, "malformed CRL in bundle")
		}
		crl, err := x509.ParseRevocationList(raw.FullBytes)
		if err != nil {
			return nil, errors.Becausef(err, ErrPayloadDecoding, "malformed CRL in bundle")
		}
		crls = append(crls, crl)
	}
	return crls, nil
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// notSignedData reports whether der is a DER ContentInfo of some other content type.
// BER input that encoding/asn1 cannot read is left for the CMS parser to judge.
func notSignedData(der []byte) bool {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return false
	}
	return !ci.ContentType.Equal(pkcs7.OIDSignedData)
}

func parseSignedContainer(der []byte) (*pkcs7.PKCS7, error) {
	if notSignedData(der) {
		return nil, errors.Becausef(nil, ErrPayloadDecoding, "certificate bundle is not a signedData structure")
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errors.Becausef(err, ErrPayloadDecoding, "malformed certificate bundle")
	}
	return p7, nil
}
