package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"io"

	"github.com/rs/zerolog"
	"github.com/smallstep/pkcs7"
	"gopkg.in/errgo.v2/fmt/errors"
)

// SignedMessage is an encoded pkiMessage together with the attributes that were signed into it.
// Keep Attributes for as long as a reply is expected: they hold the senderNonce the reply must echo.
type SignedMessage struct {
	Raw        []byte
	Attributes AttributeSet
}

// Encoder turns messages into signed pkiMessages. It holds only immutable configuration
// and may be shared between goroutines.
type Encoder struct {
	signerKey  crypto.PrivateKey
	signerCert *x509.Certificate
	enveloper  *EnvelopeCodec
	digest     crypto.Hash
	digestOID  asn1.ObjectIdentifier
	random     io.Reader
	logger     zerolog.Logger
}

type EncoderOption func(*Encoder)

// WithDigest fixes the digest of the outer signature. SHA-256 when not set.
func WithDigest(h crypto.Hash) EncoderOption {
	return func(e *Encoder) {
		e.digest = h
	}
}

// WithRandom replaces the source of sender nonces.
func WithRandom(r io.Reader) EncoderOption {
	return func(e *Encoder) {
		e.random = r
	}
}

// WithEncoderLogger sets where the encoder reports what it signs.
func WithEncoderLogger(logger zerolog.Logger) EncoderOption {
	return func(e *Encoder) {
		e.logger = logger
	}
}

func digestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return pkcs7.OIDDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return pkcs7.OIDDigestAlgorithmSHA256, nil
	case crypto.SHA384:
		return pkcs7.OIDDigestAlgorithmSHA384, nil
	case crypto.SHA512:
		return pkcs7.OIDDigestAlgorithmSHA512, nil
	}
	return nil, errors.Becausef(nil, ErrUnsupportedAlgorithm, "digest %s cannot be used for signing", h)
}

// NewEncoder builds an encoder that signs as signerCert and envelopes payloads with enveloper.
// enveloper may be nil for an encoder that only ever sends PENDING or FAILURE replies.
func NewEncoder(signerKey crypto.PrivateKey, signerCert *x509.Certificate, enveloper *EnvelopeCodec, opts ...EncoderOption) (*Encoder, error) {
	if signerKey == nil || signerCert == nil {
		return nil, errors.Becausef(nil, ErrSigning, "signer key and certificate are both required")
	}
	e := &Encoder{
		signerKey:  signerKey,
		signerCert: signerCert,
		enveloper:  enveloper,
		digest:     crypto.SHA256,
		random:     rand.Reader,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	oid, err := digestOID(e.digest)
	if err != nil {
		return nil, err
	}
	e.digestOID = oid
	return e, nil
}

// payload serializes the message-specific content. ok is false when the message carries none.
func payload(msg Message) (content []byte, ok bool, err error) {
	switch m := msg.(type) {
	case *PKCSReq:
		content, err = csrBytes(m.CSR)
	case *RenewalReq:
		content, err = csrBytes(m.CSR)
	case *CertPoll:
		content, err = m.Names.Marshal()
	case *GetCert:
		content, err = m.Serial.Marshal()
	case *GetCRL:
		content, err = m.Serial.Marshal()
	case *CertRep:
		if m.Status != SUCCESS {
			return nil, false, nil
		}
		if _, err := parseSignedContainer(m.Content); err != nil {
			return nil, false, errors.Becausef(err, ErrPayloadEncoding, "CertRep content must be a signedData structure")
		}
		content = m.Content
	default:
		return nil, false, errors.Becausef(nil, ErrPayloadEncoding, "unknown message %T", msg)
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func csrBytes(csr *x509.CertificateRequest) ([]byte, error) {
	if csr == nil || len(csr.Raw) == 0 {
		return nil, errors.Becausef(nil, ErrPayloadEncoding, "certificate request is missing")
	}
	return csr.Raw, nil
}

// Encode signs msg. Payload-bearing messages are enveloped first; the attribute set is built
// once and returned alongside the bytes that carry it.
func (e *Encoder) Encode(msg Message) (*SignedMessage, error) {
	if msg == nil {
		return nil, errors.Becausef(nil, ErrPayloadEncoding, "nil message")
	}
	if rep, ok := msg.(*CertRep); ok {
		if err := rep.Validate(); err != nil {
			return nil, err
		}
	}
	content, hasPayload, err := payload(msg)
	if err != nil {
		return nil, err
	}

	var signable []byte
	if hasPayload {
		if e.enveloper == nil {
			return nil, errors.Becausef(nil, ErrEnvelope, "%s needs a recipient certificate", msg.MessageType())
		}
		signable, err = e.enveloper.Encode(content)
		if err != nil {
			return nil, err
		}
	}

	attrs, err := BuildAttributes(msg, e.random)
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(signable)
	if err != nil {
		return nil, errors.Becausef(err, ErrSigning, "cannot start signedData")
	}
	sd.SetDigestAlgorithm(e.digestOID)
	if err := sd.AddSigner(e.signerCert, e.signerKey, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs.signed()}); err != nil {
		return nil, errors.Becausef(err, ErrSigning, "cannot sign %s as %s", msg.MessageType(), e.signerCert.Subject)
	}
	raw, err := sd.Finish()
	if err != nil {
		return nil, errors.Becausef(err, ErrSigning, "cannot finish signedData")
	}

	e.logger.Debug().
		Str("transaction_id", attrs.TransactionID.String()).
		Stringer("message_type", attrs.MessageType).
		Bool("enveloped", hasPayload).
		Int("size", len(raw)).
		Msg("encoded pkiMessage")
	return &SignedMessage{Raw: raw, Attributes: attrs}, nil
}
