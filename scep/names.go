package scep

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"gopkg.in/errgo.v2/fmt/errors"
)

/*
IssuerAndSubject ::= SEQUENCE {
    issuer  Name,
    subject Name
}

Payload of a CertPoll (GetCertInitial) message. The names are kept in their DER form so that
encoding is stable and equality is structural.
*/
type IssuerAndSubject struct {
	Issuer  asn1.RawValue
	Subject asn1.RawValue
}

func NewIssuerAndSubject(issuer, subject pkix.Name) (IssuerAndSubject, error) {
	rawIssuer, err := marshalName(issuer)
	if err != nil {
		return IssuerAndSubject{}, err
	}
	rawSubject, err := marshalName(subject)
	if err != nil {
		return IssuerAndSubject{}, err
	}
	return IssuerAndSubject{Issuer: rawIssuer, Subject: rawSubject}, nil
}

// IssuerAndSubjectFor names the certificate a pending CSR will produce under the given CA.
func IssuerAndSubjectFor(ca *x509.Certificate, csr *x509.CertificateRequest) IssuerAndSubject {
	return IssuerAndSubject{
		Issuer:  rawName(ca.RawSubject),
		Subject: rawName(csr.RawSubject),
	}
}

func (n IssuerAndSubject) IssuerName() (pkix.Name, error) {
	return parseName(n.Issuer)
}

func (n IssuerAndSubject) SubjectName() (pkix.Name, error) {
	return parseName(n.Subject)
}

func (n IssuerAndSubject) Equal(other IssuerAndSubject) bool {
	return bytes.Equal(n.Issuer.FullBytes, other.Issuer.FullBytes) &&
		bytes.Equal(n.Subject.FullBytes, other.Subject.FullBytes)
}

func (n IssuerAndSubject) Marshal() ([]byte, error) {
	if len(n.Issuer.FullBytes) == 0 || len(n.Subject.FullBytes) == 0 {
		return nil, errors.Becausef(nil, ErrPayloadEncoding, "issuer and subject names are both required")
	}
	return asn1.Marshal(n)
}

func ParseIssuerAndSubject(der []byte) (IssuerAndSubject, error) {
	var n IssuerAndSubject
	rest, err := asn1.Unmarshal(der, &n)
	if err != nil {
		return IssuerAndSubject{}, errors.Becausef(err, ErrPayloadDecoding, "malformed IssuerAndSubject")
	}
	if len(rest) > 0 {
		return IssuerAndSubject{}, errors.Becausef(nil, ErrPayloadDecoding, "%d trailing bytes after IssuerAndSubject", len(rest))
	}
	if !isSequence(n.Issuer) || !isSequence(n.Subject) {
		return IssuerAndSubject{}, errors.Becausef(nil, ErrPayloadDecoding, "IssuerAndSubject members must be names")
	}
	return n, nil
}

/*
IssuerAndSerialNumber ::= SEQUENCE {
    issuer       Name,
    serialNumber CertificateSerialNumber
}

Payload of GetCert and GetCRL messages.
*/
type IssuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

func NewIssuerAndSerial(issuer pkix.Name, serial *big.Int) (IssuerAndSerial, error) {
	if serial == nil {
		return IssuerAndSerial{}, errors.Becausef(nil, ErrPayloadEncoding, "serial number is required")
	}
	raw, err := marshalName(issuer)
	if err != nil {
		return IssuerAndSerial{}, err
	}
	return IssuerAndSerial{Issuer: raw, SerialNumber: new(big.Int).Set(serial)}, nil
}

// IssuerAndSerialOf identifies cert by its issuer and serial number.
func IssuerAndSerialOf(cert *x509.Certificate) IssuerAndSerial {
	return IssuerAndSerial{
		Issuer:       rawName(cert.RawIssuer),
		SerialNumber: new(big.Int).Set(cert.SerialNumber),
	}
}

// IssuerAndSerialFor names the certificate with serial that ca issued.
func IssuerAndSerialFor(ca *x509.Certificate, serial *big.Int) IssuerAndSerial {
	return IssuerAndSerial{
		Issuer:       rawName(ca.RawSubject),
		SerialNumber: new(big.Int).Set(serial),
	}
}

func (n IssuerAndSerial) IssuerName() (pkix.Name, error) {
	return parseName(n.Issuer)
}

func (n IssuerAndSerial) Equal(other IssuerAndSerial) bool {
	if n.SerialNumber == nil || other.SerialNumber == nil {
		return n.SerialNumber == other.SerialNumber && bytes.Equal(n.Issuer.FullBytes, other.Issuer.FullBytes)
	}
	return bytes.Equal(n.Issuer.FullBytes, other.Issuer.FullBytes) && n.SerialNumber.Cmp(other.SerialNumber) == 0
}

func (n IssuerAndSerial) Marshal() ([]byte, error) {
	if len(n.Issuer.FullBytes) == 0 || n.SerialNumber == nil {
		return nil, errors.Becausef(nil, ErrPayloadEncoding, "issuer and serial number are both required")
	}
	return asn1.Marshal(n)
}

func ParseIssuerAndSerial(der []byte) (IssuerAndSerial, error) {
	var n IssuerAndSerial
	rest, err := asn1.Unmarshal(der, &n)
	if err != nil {
		return IssuerAndSerial{}, errors.Becausef(err, ErrPayloadDecoding, "malformed IssuerAndSerialNumber")
	}
	if len(rest) > 0 {
		return IssuerAndSerial{}, errors.Becausef(nil, ErrPayloadDecoding, "%d trailing bytes after IssuerAndSerialNumber", len(rest))
	}
	if !isSequence(n.Issuer) {
		return IssuerAndSerial{}, errors.Becausef(nil, ErrPayloadDecoding, "issuer must be a name")
	}
	return n, nil
}

func marshalName(name pkix.Name) (asn1.RawValue, error) {
	der, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return asn1.RawValue{}, errors.Becausef(err, ErrPayloadEncoding, "cannot encode name %s", name)
	}
	return rawName(der), nil
}

// rawName fills in the tag fields of a DER name so decoded and built values compare alike.
func rawName(der []byte) asn1.RawValue {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return asn1.RawValue{FullBytes: der}
	}
	return raw
}

func parseName(raw asn1.RawValue) (pkix.Name, error) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw.FullBytes, &rdns)
	if err != nil {
		return pkix.Name{}, errors.Becausef(err, ErrPayloadDecoding, "malformed name")
	}
	if len(rest) > 0 {
		return pkix.Name{}, errors.Becausef(nil, ErrPayloadDecoding, "trailing bytes after name")
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdns)
	return name, nil
}

func isSequence(v asn1.RawValue) bool {
	return v.Class == asn1.ClassUniversal && v.Tag == asn1.TagSequence && v.IsCompound
}
