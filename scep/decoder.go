package scep

import (
	"crypto/x509"
	"strings"

	"github.com/rs/zerolog"
	"github.com/smallstep/pkcs7"
	"gopkg.in/errgo.v2/fmt/errors"
)

// NoncePolicy decides who checks that a reply echoes the request it answers.
type NoncePolicy string

const (
	// NoncePolicyCaller leaves the check to the caller, see CheckReply.
	NoncePolicyCaller NoncePolicy = "caller"
	// NoncePolicyStrict makes DecodeReply reject a reply whose transactionID or
	// recipientNonce does not match, before its payload is decrypted.
	NoncePolicyStrict NoncePolicy = "strict"
)

func ParseNoncePolicy(name string) (NoncePolicy, error) {
	switch p := NoncePolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return NoncePolicyCaller, nil
	case NoncePolicyCaller, NoncePolicyStrict:
		return p, nil
	}
	return "", errors.Newf("unknown nonce policy %q", name)
}

// Decoded is a verified pkiMessage.
type Decoded struct {
	Message    Message
	Attributes AttributeSet
	// Signer is the certificate whose signature was verified. The message carries it, so unless the
	// Decoder was built WithTrustedSigners nothing vouches for its subject or any other field.
	Signer *x509.Certificate
}

// Decoder verifies and opens pkiMessages addressed to one recipient.
// It keeps no per-message state and may be shared between goroutines.
type Decoder struct {
	recipient Recipient
	trusted   *x509.CertPool
	policy    NoncePolicy
	logger    zerolog.Logger
}

type DecoderOption func(*Decoder)

// WithTrustedSigners also requires the signer certificate to chain to one of roots.
func WithTrustedSigners(roots *x509.CertPool) DecoderOption {
	return func(d *Decoder) {
		d.trusted = roots
	}
}

func WithNoncePolicy(p NoncePolicy) DecoderOption {
	return func(d *Decoder) {
		d.policy = p
	}
}

func WithDecoderLogger(logger zerolog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder builds a decoder that decrypts payloads with recipient.
func NewDecoder(recipient Recipient, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		recipient: recipient,
		policy:    NoncePolicyCaller,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decoder) NoncePolicy() NoncePolicy {
	return d.policy
}

// Decode verifies raw and rebuilds the message it carries. Nothing is decrypted unless
// the signature and the attributes check out.
func (d *Decoder) Decode(raw []byte) (*Decoded, error) {
	return d.decode(raw, nil)
}

// DecodeReply decodes the answer to a request whose signed attributes are sent.
// Under NoncePolicyStrict a reply for another transaction or nonce fails with ErrNonceMismatch.
func (d *Decoder) DecodeReply(raw []byte, sent AttributeSet) (*Decoded, error) {
	return d.decode(raw, &sent)
}

func (d *Decoder) decode(raw []byte, sent *AttributeSet) (*Decoded, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, errors.Becausef(err, ErrVerification, "malformed pkiMessage")
	}
	if d.trusted != nil {
		err = p7.VerifyWithChain(d.trusted)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		d.logger.Warn().Err(err).Msg("pkiMessage signature rejected")
		return nil, errors.Becausef(err, ErrVerification, "pkiMessage signature is invalid")
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.Becausef(nil, ErrVerification, "pkiMessage must have exactly one signer")
	}

	attrs, err := readAttributes(p7)
	if err != nil {
		return nil, err
	}
	if sent != nil && d.policy == NoncePolicyStrict {
		if err := CheckReply(*sent, attrs); err != nil {
			d.logger.Warn().Err(err).Str("transaction_id", sent.TransactionID.String()).Msg("reply does not match request")
			return nil, err
		}
	}

	var msg Message
	if attrs.HasPayload() {
		if len(p7.Content) == 0 {
			return nil, errors.Becausef(nil, ErrPayloadDecoding, "%s carries no content", attrs.MessageType)
		}
		plain, err := DecodeEnvelope(p7.Content, d.recipient)
		if err != nil {
			return nil, err
		}
		msg, err = rebuild(attrs, plain)
		if err != nil {
			return nil, err
		}
	} else {
		if len(p7.Content) > 0 {
			return nil, errors.Becausef(nil, ErrPayloadDecoding, "%s CertRep must not carry content", attrs.PKIStatus)
		}
		msg = &CertRep{
			ID:             attrs.TransactionID,
			Status:         attrs.PKIStatus,
			FailInfo:       attrs.FailInfo,
			FailInfoText:   attrs.FailInfoText,
			RecipientNonce: attrs.RecipientNonce,
		}
	}

	d.logger.Debug().
		Str("transaction_id", attrs.TransactionID.String()).
		Stringer("message_type", attrs.MessageType).
		Str("signer", signer.Subject.String()).
		Msg("decoded pkiMessage")
	return &Decoded{Message: msg, Attributes: attrs, Signer: signer}, nil
}

// rebuild reconstructs the typed message from decrypted content, by message type.
func rebuild(attrs AttributeSet, plain []byte) (Message, error) {
	id := attrs.TransactionID
	switch attrs.MessageType {
	case PKCSReqType, RenewalReqType:
		csr, err := x509.ParseCertificateRequest(plain)
		if err != nil {
			return nil, errors.Becausef(err, ErrPayloadDecoding, "%s does not carry a certificate request", attrs.MessageType)
		}
		if attrs.MessageType == RenewalReqType {
			return &RenewalReq{ID: id, CSR: csr}, nil
		}
		return &PKCSReq{ID: id, CSR: csr}, nil
	case CertPollType:
		names, err := ParseIssuerAndSubject(plain)
		if err != nil {
			return nil, err
		}
		return &CertPoll{ID: id, Names: names}, nil
	case GetCertType, GetCRLType:
		serial, err := ParseIssuerAndSerial(plain)
		if err != nil {
			return nil, err
		}
		if attrs.MessageType == GetCRLType {
			return &GetCRL{ID: id, Serial: serial}, nil
		}
		return &GetCert{ID: id, Serial: serial}, nil
	case CertRepType:
		if _, err := parseSignedContainer(plain); err != nil {
			return nil, err
		}
		return &CertRep{
			ID:             id,
			Status:         attrs.PKIStatus,
			RecipientNonce: attrs.RecipientNonce,
			Content:        plain,
		}, nil
	}
	return nil, errors.Becausef(nil, ErrAttribute, "undefined messageType %q", string(attrs.MessageType))
}
