package scep

import (
	"crypto/x509"

	"gopkg.in/errgo.v2/fmt/errors"
)

// Message is a SCEP pkiMessage. The set of implementations is closed:
// *PKCSReq, *RenewalReq, *CertPoll, *GetCert, *GetCRL and *CertRep.
type Message interface {
	TransactionID() TransactionID
	MessageType() MessageType
	isMessage()
}

// Request is anything a client can send: the pkiMessage requests above, and the
// CA operations that travel as plain HTTP GET queries.
type Request interface {
	Operation() Operation
	// ContentKind declares what a successful reply carries.
	ContentKind() ContentKind
}

// CARequest is a Request sent without a signed container.
type CARequest interface {
	Request
	// Query is the value of the "message" query parameter, usually a CA identifier.
	Query() string
}

// ContentKind tags the bytes handed to whoever interprets a successful reply.
type ContentKind int

const (
	ContentNone ContentKind = iota
	ContentCertificate
	ContentCertificateChain
	ContentCRL
	ContentCACapabilities
	ContentCACertificate
	ContentNextCACertificate
)

func (k ContentKind) String() string {
	switch k {
	case ContentCertificate:
		return "certificate"
	case ContentCertificateChain:
		return "certificate chain"
	case ContentCRL:
		return "CRL"
	case ContentCACapabilities:
		return "CA capabilities"
	case ContentCACertificate:
		return "CA certificate"
	case ContentNextCACertificate:
		return "next CA certificate"
	}
	return "none"
}

// ContentKindFor maps the type of a request to the kind of content its CertRep carries.
func ContentKindFor(requestType MessageType) ContentKind {
	switch requestType {
	case PKCSReqType, RenewalReqType, CertPollType:
		return ContentCertificateChain
	case GetCertType:
		return ContentCertificate
	case GetCRLType:
		return ContentCRL
	}
	return ContentNone
}

// IsResponse reports whether m is a CertRep.
func IsResponse(m Message) bool {
	return m.MessageType() == CertRepType
}

// PKCSReq enrolls a PKCS #10 request, authenticated with a challenge password.
type PKCSReq struct {
	ID  TransactionID
	CSR *x509.CertificateRequest
}

func (m *PKCSReq) TransactionID() TransactionID { return m.ID }
func (m *PKCSReq) MessageType() MessageType     { return PKCSReqType }
func (m *PKCSReq) Operation() Operation         { return OpPKIOperation }
func (m *PKCSReq) ContentKind() ContentKind     { return ContentKindFor(PKCSReqType) }
func (*PKCSReq) isMessage()                     {}

// RenewalReq enrolls a PKCS #10 request signed with an existing certificate.
type RenewalReq struct {
	ID  TransactionID
	CSR *x509.CertificateRequest
}

func (m *RenewalReq) TransactionID() TransactionID { return m.ID }
func (m *RenewalReq) MessageType() MessageType     { return RenewalReqType }
func (m *RenewalReq) Operation() Operation         { return OpPKIOperation }
func (m *RenewalReq) ContentKind() ContentKind     { return ContentKindFor(RenewalReqType) }
func (*RenewalReq) isMessage()                     {}

// CertPoll asks after a pending enrollment, identified by issuer and subject.
type CertPoll struct {
	ID    TransactionID
	Names IssuerAndSubject
}

func (m *CertPoll) TransactionID() TransactionID { return m.ID }
func (m *CertPoll) MessageType() MessageType     { return CertPollType }
func (m *CertPoll) Operation() Operation         { return OpPKIOperation }
func (m *CertPoll) ContentKind() ContentKind     { return ContentKindFor(CertPollType) }
func (*CertPoll) isMessage()                     {}

// GetCert fetches an issued certificate.
type GetCert struct {
	ID     TransactionID
	Serial IssuerAndSerial
}

func (m *GetCert) TransactionID() TransactionID { return m.ID }
func (m *GetCert) MessageType() MessageType     { return GetCertType }
func (m *GetCert) Operation() Operation         { return OpPKIOperation }
func (m *GetCert) ContentKind() ContentKind     { return ContentKindFor(GetCertType) }
func (*GetCert) isMessage()                     {}

// GetCRL fetches the CRL covering a certificate.
type GetCRL struct {
	ID     TransactionID
	Serial IssuerAndSerial
}

func (m *GetCRL) TransactionID() TransactionID { return m.ID }
func (m *GetCRL) MessageType() MessageType     { return GetCRLType }
func (m *GetCRL) Operation() Operation         { return OpPKIOperation }
func (m *GetCRL) ContentKind() ContentKind     { return ContentKindFor(GetCRLType) }
func (*GetCRL) isMessage()                     {}

// CertRep is the CA's reply to every pkiMessage request.
// Content is a degenerate signedData and is present iff Status is SUCCESS.
type CertRep struct {
	ID             TransactionID
	Status         PKIStatus
	FailInfo       FailInfo
	FailInfoText   string
	RecipientNonce []byte
	Content        []byte
}

func (m *CertRep) TransactionID() TransactionID { return m.ID }
func (m *CertRep) MessageType() MessageType     { return CertRepType }
func (*CertRep) isMessage()                     {}

// ReplyTo starts a CertRep for the request whose attributes are sent: same
// transaction, and the request's sender nonce echoed back.
func ReplyTo(sent AttributeSet, status PKIStatus) *CertRep {
	return &CertRep{
		ID:             sent.TransactionID,
		Status:         status,
		RecipientNonce: append([]byte(nil), sent.SenderNonce...),
	}
}

// Validate checks the status, fail info and payload invariants.
func (m *CertRep) Validate() error {
	switch m.Status {
	case SUCCESS:
		if len(m.Content) == 0 {
			return errors.Becausef(nil, ErrPayloadEncoding, "SUCCESS reply for %s has no content", m.ID)
		}
		if m.FailInfo != "" {
			return errors.Becausef(nil, ErrAttribute, "SUCCESS reply for %s carries failInfo %s", m.ID, m.FailInfo)
		}
	case FAILURE:
		if !m.FailInfo.valid() {
			return errors.Becausef(nil, ErrAttribute, "FAILURE reply for %s has invalid failInfo %q", m.ID, string(m.FailInfo))
		}
		if len(m.Content) > 0 {
			return errors.Becausef(nil, ErrPayloadEncoding, "FAILURE reply for %s must not carry content", m.ID)
		}
	case PENDING:
		if m.FailInfo != "" {
			return errors.Becausef(nil, ErrAttribute, "PENDING reply for %s carries failInfo %s", m.ID, m.FailInfo)
		}
		if len(m.Content) > 0 {
			return errors.Becausef(nil, ErrPayloadEncoding, "PENDING reply for %s must not carry content", m.ID)
		}
	default:
		return errors.Becausef(nil, ErrAttribute, "unknown pkiStatus %q", string(m.Status))
	}
	return nil
}

// Certificates returns the certificates carried by a SUCCESS reply.
func (m *CertRep) Certificates() ([]*x509.Certificate, error) {
	if m.Status != SUCCESS {
		return nil, errors.Becausef(nil, ErrPayloadDecoding, "%s reply carries no certificates", m.Status)
	}
	return ParseCertificateBundle(m.Content)
}

// GetCACaps asks which optional features the CA supports.
type GetCACaps struct {
	CA string
}

func (r *GetCACaps) Operation() Operation     { return OpGetCACaps }
func (r *GetCACaps) ContentKind() ContentKind { return ContentCACapabilities }
func (r *GetCACaps) Query() string            { return r.CA }

// GetCACert fetches the CA (and RA) certificates.
type GetCACert struct {
	CA string
}

func (r *GetCACert) Operation() Operation     { return OpGetCACert }
func (r *GetCACert) ContentKind() ContentKind { return ContentCACertificate }
func (r *GetCACert) Query() string            { return r.CA }

// GetNextCACert fetches the CA certificate that will replace the current one at rollover.
type GetNextCACert struct {
	CA string
}

func (r *GetNextCACert) Operation() Operation     { return OpGetNextCACert }
func (r *GetNextCACert) ContentKind() ContentKind { return ContentNextCACertificate }
func (r *GetNextCACert) Query() string            { return r.CA }
