package scep

import "encoding/asn1"

/*
See the RFC at https://datatracker.ietf.org/doc/html/rfc8894#section-3.2.1 for full information
*/

/*
The messageType attribute specifies the type of operation performed by the transaction.
This attribute MUST be included in all PKI messages.
Undefined message types MUST BE treated as an error.
*/

type MessageType string //RFC section 3.2.1.2
const (
	CertRepType    MessageType = "3"  //Response to certificate or CRL request.
	RenewalReqType MessageType = "17" //PKCS #10 certificate request authenticated with an existing certificate.
	PKCSReqType    MessageType = "19" //PKCS #10 certificate request authenticated with a password.
	CertPollType   MessageType = "20" //Certificate polling in manual enrolment.
	GetCertType    MessageType = "21" //Retrieve a certificate.
	GetCRLType     MessageType = "22" //Retrieve a CRL.
)

func (t MessageType) String() string {
	switch t {
	case CertRepType:
		return "CertRep"
	case RenewalReqType:
		return "RenewalReq"
	case PKCSReqType:
		return "PKCSReq"
	case CertPollType:
		return "CertPoll"
	case GetCertType:
		return "GetCert"
	case GetCRLType:
		return "GetCRL"
	}
	return "Unknown(" + string(t) + ")"
}

// Valid reports whether t is one of the message types this package can encode or decode.
func (t MessageType) Valid() bool {
	switch t {
	case CertRepType, RenewalReqType, PKCSReqType, CertPollType, GetCertType, GetCRLType:
		return true
	}
	return false
}

/*
All response messages MUST include transaction status information, which is defined as a pkiStatus attribute:
*/

type PKIStatus string //RFC section 3.2.1.3
const (
	SUCCESS PKIStatus = "0" //Request granted.
	FAILURE PKIStatus = "2" //Request rejected. In this case the failInfo attribute, as defined in Section 3.2.1.4, MUST also be present.
	PENDING PKIStatus = "3" //Request pending for manual approval.
)

func (s PKIStatus) String() string {
	switch s {
	case SUCCESS:
		return "SUCCESS"
	case FAILURE:
		return "FAILURE"
	case PENDING:
		return "PENDING"
	}
	return "Unknown(" + string(s) + ")"
}

/*
The failInfo attribute MUST contain one of the following failure reasons:

The failInfoText is a free-form UTF-8 text string that provides further information in the case of pkiStatus = FAILURE.
Since this is a free-form text string intended for interpretation by humans, implementations SHOULD NOT assume that
it has any type of machine-processable content.
*/

type FailInfo string //RFC section 3.2.1.4
const (
	BadAlg          FailInfo = "0" //Unrecognized or unsupported algorithm.
	BadMessageCheck FailInfo = "1" //Integrity check (meaning signature verification of the CMS message) failed.
	BadRequest      FailInfo = "2" //Transaction not permitted or supported.
	BadTime         FailInfo = "3" //The signingTime attribute from the CMS authenticatedAttributes was not sufficiently close to the system time.
	BadCertID       FailInfo = "4" //No certificate could be identified matching the provided criteria.
)

func (f FailInfo) String() string {
	switch f {
	case BadAlg:
		return "badAlg"
	case BadMessageCheck:
		return "badMessageCheck"
	case BadRequest:
		return "badRequest"
	case BadTime:
		return "badTime"
	case BadCertID:
		return "badCertId"
	}
	return "Unknown(" + string(f) + ")"
}

func (f FailInfo) valid() bool {
	switch f {
	case BadAlg, BadMessageCheck, BadRequest, BadTime, BadCertID:
		return true
	}
	return false
}

// Operation is the value of the "operation" query parameter of a SCEP HTTP request.
type Operation string //RFC section 4.1
const (
	OpGetCACaps     Operation = "GetCACaps"
	OpGetCACert     Operation = "GetCACert"
	OpGetNextCACert Operation = "GetNextCACert"
	OpPKIOperation  Operation = "PKIOperation"
)

// authenticated attribute OIDs, RFC 8894 section 3.2.1
var (
	oidSCEPmessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidSCEPpkiStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidSCEPfailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSCEPsenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidSCEPrecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidSCEPtransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
	oidSCEPfailInfoText   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 24, 1}
)

// NonceSize is the length in bytes of generated sender nonces.
const NonceSize = 16
