package requestor

import (
	"context"
	"crypto"
	"crypto/x509"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/guardian/k8s-scepclient/datapersistence"
	"github.com/guardian/k8s-scepclient/scep"
	"github.com/guardian/k8s-scepclient/transport"
	"github.com/rs/zerolog/log"
	"gopkg.in/errgo.v2/fmt/errors"
)

var (
	// ErrRejected is a FAILURE reply from the CA. The Result alongside it carries the failInfo.
	ErrRejected = errors.New("CA rejected the request")
	// ErrNoJournal is returned by operations that need to look up an earlier transaction.
	ErrNoJournal = errors.New("no transaction journal configured")
)

// CA certificate content types of a GetCACert reply, RFC 8894 section 4.2.1
const (
	CACertContentType     = "application/x-x509-ca-cert"
	CARACertContentType   = "application/x-x509-ca-ra-cert"
	NextCACertContentType = "application/x-x509-next-ca-cert"
)

// Options tune a Client. Zero values defer to what the CA advertises.
type Options struct {
	// CA is sent as the "message" of GetCACaps, GetCACert and GetNextCACert.
	CA string
	// Digest signs requests. Zero picks the strongest the CA advertises.
	Digest crypto.Hash
	// Cipher encrypts request payloads. Empty picks one the CA advertises.
	Cipher scep.CipherAlgorithm
	// FingerprintDigest derives enrollment transaction IDs from the request key. Zero means SHA-256.
	FingerprintDigest crypto.Hash
	NoncePolicy       scep.NoncePolicy
	// Counter numbers GetCert and GetCRL transactions. Nil gives the client a counter of its own.
	Counter scep.Counter
}

// Result is the outcome of a pkiMessage exchange.
type Result struct {
	TransactionID string
	Status        scep.PKIStatus
	FailInfo      scep.FailInfo
	FailInfoText  string
	Certificates  []*x509.Certificate
}

// IssuedFor returns the certificate of the result that carries pub, or nil.
func (r *Result) IssuedFor(pub crypto.PublicKey) *x509.Certificate {
	for _, cert := range r.Certificates {
		if key, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool }); ok && key.Equal(pub) {
			return cert
		}
	}
	return nil
}

// Client runs SCEP operations against one CA, signing with one identity. Requests are signed
// with signerCert, and replies are enveloped by the CA to that same certificate.
type Client struct {
	transport  *transport.Client
	journal    *datapersistence.Journal
	signerKey  crypto.PrivateKey
	signerCert *x509.Certificate
	opts       Options

	mu      sync.Mutex
	caps    Capabilities
	caCerts []*x509.Certificate
}

// NewClient
/**
builds a client. `journal` may be nil, in which case pending enrollments cannot be polled later.
*/
func NewClient(t *transport.Client, signerKey crypto.PrivateKey, signerCert *x509.Certificate, journal *datapersistence.Journal, opts Options) (*Client, error) {
	if t == nil {
		return nil, errors.New("a transport is required")
	}
	if signerKey == nil || signerCert == nil {
		return nil, errors.New("a signer certificate and key are required")
	}
	if opts.FingerprintDigest == 0 {
		opts.FingerprintDigest = crypto.SHA256
	}
	if opts.NoncePolicy == "" {
		opts.NoncePolicy = scep.NoncePolicyCaller
	}
	if opts.Counter == nil {
		opts.Counter = &scep.AtomicCounter{}
	}
	return &Client{
		transport:  t,
		journal:    journal,
		signerKey:  signerKey,
		signerCert: signerCert,
		opts:       opts,
	}, nil
}

func (c *Client) get(ctx context.Context, req scep.CARequest) (*transport.Response, error) {
	return c.transport.Get(ctx, req.Operation(), req.Query())
}

// GetCACaps asks the CA what it supports and remembers the answer for later requests.
func (c *Client) GetCACaps(ctx context.Context) (Capabilities, error) {
	response, err := c.get(ctx, &scep.GetCACaps{CA: c.opts.CA})
	if err != nil {
		return nil, err
	}
	caps := ParseCapabilities(response.Body)
	log.Info().Strs("capabilities", caps).Msg("CA capabilities")

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return caps, nil
}

// GetCACert fetches the CA certificate, and any RA certificates, and remembers them as the
// recipients of request envelopes and the trust anchors for replies.
func (c *Client) GetCACert(ctx context.Context) ([]*x509.Certificate, error) {
	response, err := c.get(ctx, &scep.GetCACert{CA: c.opts.CA})
	if err != nil {
		return nil, err
	}
	certs, err := parseCACerts(response)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.Becausef(nil, scep.ErrPayloadDecoding, "GetCACert returned no certificates")
	}
	for _, cert := range certs {
		log.Info().Str("subject", cert.Subject.String()).Bool("ca", cert.IsCA).Time("not_after", cert.NotAfter).Msg("CA certificate")
	}

	c.mu.Lock()
	c.caCerts = certs
	c.mu.Unlock()
	return certs, nil
}

func parseCACerts(response *transport.Response) ([]*x509.Certificate, error) {
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(response.ContentType, ";")[0]))
	switch contentType {
	case CACertContentType:
		cert, err := x509.ParseCertificate(response.Body)
		if err != nil {
			return nil, errors.Becausef(err, scep.ErrPayloadDecoding, "malformed CA certificate")
		}
		return []*x509.Certificate{cert}, nil
	case CARACertContentType:
		return scep.ParseCertificateBundle(response.Body)
	}
	// some servers do not label the reply, so take whichever shape parses
	if cert, err := x509.ParseCertificate(response.Body); err == nil {
		return []*x509.Certificate{cert}, nil
	}
	log.Warn().Str("content_type", response.ContentType).Msg("Unexpected GetCACert content type")
	return scep.ParseCertificateBundle(response.Body)
}

// GetNextCACert fetches the certificate that will replace the CA's at rollover. The reply must be
// signed by the current CA, which is fetched first if it is not yet known.
func (c *Client) GetNextCACert(ctx context.Context) ([]*x509.Certificate, error) {
	if _, err := c.caChain(ctx); err != nil {
		return nil, err
	}
	response, err := c.get(ctx, &scep.GetNextCACert{CA: c.opts.CA})
	if err != nil {
		return nil, err
	}
	if response.ContentType != NextCACertContentType {
		log.Warn().Str("content_type", response.ContentType).Msg("Unexpected GetNextCACert content type")
	}
	return scep.ParseSignedCertificateBundle(response.Body, c.trustPool())
}

/**
returns the known CA certificates, asking the CA for them (and for its capabilities) the first time.
A CA that cannot answer GetCACaps is treated as advertising nothing.
*/
func (c *Client) caChain(ctx context.Context) ([]*x509.Certificate, error) {
	c.mu.Lock()
	certs, caps := c.caCerts, c.caps
	c.mu.Unlock()

	if caps == nil {
		if _, err := c.GetCACaps(ctx); err != nil {
			log.Warn().Err(err).Msg("GetCACaps failed, assuming no optional capabilities")
			c.mu.Lock()
			c.caps = Capabilities{}
			c.mu.Unlock()
		}
	}
	if certs == nil {
		return c.GetCACert(ctx)
	}
	return certs, nil
}

func (c *Client) capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Client) trustPool() *x509.CertPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool := x509.NewCertPool()
	for _, cert := range c.caCerts {
		pool.AddCert(cert)
	}
	return pool
}

// issuer is the certificate that signs what the CA issues: the first CA certificate in the chain.
func issuer(certs []*x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if cert.IsCA {
			return cert
		}
	}
	return certs[0]
}

/**
picks who request envelopes are addressed to. When the CA fronts itself with an RA, the RA
certificates that may encrypt get the envelope, otherwise the CA itself does.
*/
func envelopeRecipients(certs []*x509.Certificate) []*x509.Certificate {
	var ra, encrypting []*x509.Certificate
	for _, cert := range certs {
		if cert.IsCA {
			continue
		}
		ra = append(ra, cert)
		if cert.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
			encrypting = append(encrypting, cert)
		}
	}
	if len(encrypting) > 0 {
		return encrypting
	}
	if len(ra) > 0 {
		return ra
	}
	return []*x509.Certificate{issuer(certs)}
}

func (c *Client) encoder(certs []*x509.Certificate) (*scep.Encoder, error) {
	caps := c.capabilities()
	cipher := c.opts.Cipher
	if cipher == "" {
		cipher = caps.PreferredCipher()
	}
	digest := c.opts.Digest
	if digest == 0 {
		digest = caps.PreferredDigest()
	}
	enveloper, err := scep.NewEnvelopeCodec(cipher, envelopeRecipients(certs)...)
	if err != nil {
		return nil, err
	}
	return scep.NewEncoder(c.signerKey, c.signerCert, enveloper, scep.WithDigest(digest), scep.WithEncoderLogger(log.Logger))
}

func (c *Client) decoder() *scep.Decoder {
	return scep.NewDecoder(
		scep.Recipient{Certificate: c.signerCert, PrivateKey: c.signerKey},
		scep.WithTrustedSigners(c.trustPool()),
		scep.WithNoncePolicy(c.opts.NoncePolicy),
		scep.WithDecoderLogger(log.Logger),
	)
}

/**
signs and sends msg and returns the CA's reply. When record is not nil the transaction is journalled
before the request goes out, so that a crash between sending and reading the reply can still be polled.
*/
func (c *Client) transact(ctx context.Context, msg scep.Message, record *datapersistence.TransactionRecord) (*scep.CertRep, error) {
	certs, err := c.caChain(ctx)
	if err != nil {
		return nil, err
	}
	encoder, err := c.encoder(certs)
	if err != nil {
		return nil, err
	}
	signed, err := encoder.Encode(msg)
	if err != nil {
		return nil, err
	}

	if record != nil && c.journal != nil {
		record.Sent(signed.Attributes, time.Now())
		if err := c.journal.Save(record); err != nil {
			return nil, errors.Notef(err, nil, "cannot journal transaction %s", signed.Attributes.TransactionID)
		}
	}

	response, err := c.transport.SendPKIMessage(ctx, signed.Raw, c.capabilities().UsePost())
	if err != nil {
		return nil, err
	}
	if response.ContentType != transport.PKIMessageContentType {
		log.Warn().Str("content_type", response.ContentType).Msg("Unexpected PKIOperation content type")
	}

	decoded, err := c.decoder().DecodeReply(response.Body, signed.Attributes)
	if err != nil {
		return nil, err
	}
	if c.opts.NoncePolicy == scep.NoncePolicyCaller {
		if err := scep.CheckReply(signed.Attributes, decoded.Attributes); err != nil {
			log.Warn().Err(err).Str("transaction_id", signed.Attributes.TransactionID.String()).Msg("Reply does not echo the request")
		}
	}
	reply, ok := decoded.Message.(*scep.CertRep)
	if !ok {
		return nil, errors.Becausef(nil, scep.ErrAttribute, "CA answered with a %s", decoded.Attributes.MessageType)
	}

	log.Info().
		Str("transaction_id", reply.ID.String()).
		Str("request", msg.MessageType().String()).
		Str("status", reply.Status.String()).
		Msg("CA replied")
	return reply, nil
}

func resultOf(reply *scep.CertRep) (*Result, error) {
	result := &Result{
		TransactionID: reply.ID.String(),
		Status:        reply.Status,
		FailInfo:      reply.FailInfo,
		FailInfoText:  reply.FailInfoText,
	}
	switch reply.Status {
	case scep.SUCCESS:
		certs, err := reply.Certificates()
		if err != nil {
			return nil, err
		}
		result.Certificates = certs
	case scep.FAILURE:
		return result, errors.Becausef(nil, ErrRejected, "transaction %s failed: %s %s", result.TransactionID, reply.FailInfo, reply.FailInfoText)
	}
	return result, nil
}

// Enroll
/**
requests a certificate for csr. A PKCSReq needs the challenge password in the CSR, a RenewalReq
needs the client to sign with the certificate being renewed. The transaction ID is derived from the
request key, so re-sending the same CSR continues the same transaction.
A PENDING result stays in the journal to be polled, anything else is removed from it.
*/
func (c *Client) Enroll(ctx context.Context, csr *x509.CertificateRequest, renewal bool) (*Result, error) {
	id, err := scep.FromPublicKey(csr.PublicKey, c.opts.FingerprintDigest)
	if err != nil {
		return nil, err
	}
	certs, err := c.caChain(ctx)
	if err != nil {
		return nil, err
	}
	pollNames, err := scep.IssuerAndSubjectFor(issuer(certs), csr).Marshal()
	if err != nil {
		return nil, err
	}

	var msg scep.Message = &scep.PKCSReq{ID: id, CSR: csr}
	if renewal {
		msg = &scep.RenewalReq{ID: id, CSR: csr}
	}
	record := &datapersistence.TransactionRecord{CSR: csr.Raw, PollNames: pollNames}
	if c.journal != nil {
		if existing, err := c.journal.Load(id.String()); err == nil {
			log.Info().Str("transaction_id", id.String()).Int("polls", existing.Polls).Msg("Resending journalled request")
			record = existing
			record.PollNames = pollNames
		}
	}
	return c.settle(ctx, msg, record)
}

// Poll asks after an enrollment the CA left PENDING, using what the journal kept of it.
func (c *Client) Poll(ctx context.Context, transactionID string) (*Result, error) {
	if c.journal == nil {
		return nil, ErrNoJournal
	}
	record, err := c.journal.Load(transactionID)
	if err != nil {
		return nil, err
	}
	names, err := scep.ParseIssuerAndSubject(record.PollNames)
	if err != nil {
		return nil, errors.Notef(err, nil, "journal record for %s has no usable poll names", transactionID)
	}
	return c.settle(ctx, &scep.CertPoll{ID: scep.TransactionID(record.TransactionID), Names: names}, record)
}

// PollUntilIssued polls every interval until the CA decides, maxPolls runs out (zero is no limit) or ctx ends.
func (c *Client) PollUntilIssued(ctx context.Context, transactionID string, interval time.Duration, maxPolls int) (*Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for polls := 1; ; polls++ {
		result, err := c.Poll(ctx, transactionID)
		if err != nil || result.Status != scep.PENDING {
			return result, err
		}
		if maxPolls > 0 && polls >= maxPolls {
			return result, nil
		}
		log.Info().Str("transaction_id", transactionID).Dur("interval", interval).Msg("Still pending")
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) settle(ctx context.Context, msg scep.Message, record *datapersistence.TransactionRecord) (*Result, error) {
	reply, err := c.transact(ctx, msg, record)
	if err != nil {
		return nil, err
	}
	result, resultErr := resultOf(reply)
	if c.journal == nil || result == nil {
		return result, resultErr
	}

	if reply.Status == scep.PENDING {
		record.Status = reply.Status
		if err := c.journal.Save(record); err != nil {
			log.Error().Err(err).Str("transaction_id", result.TransactionID).Msg("Could not journal pending transaction")
		}
	} else if err := c.journal.Remove(result.TransactionID); err != nil && errors.Cause(err) != datapersistence.ErrNotFound {
		log.Warn().Err(err).Str("transaction_id", result.TransactionID).Msg("Could not clear finished transaction")
	}
	return result, resultErr
}

// IssuerAndSerial names the certificate with serial issued by this client's CA.
func (c *Client) IssuerAndSerial(ctx context.Context, serial *big.Int) (scep.IssuerAndSerial, error) {
	certs, err := c.caChain(ctx)
	if err != nil {
		return scep.IssuerAndSerial{}, err
	}
	return scep.IssuerAndSerialFor(issuer(certs), serial), nil
}

// GetCert fetches a certificate the CA issued earlier.
func (c *Client) GetCert(ctx context.Context, serial scep.IssuerAndSerial) (*x509.Certificate, error) {
	id := scep.FromCounter(c.opts.Counter)
	reply, err := c.transact(ctx, &scep.GetCert{ID: id, Serial: serial}, nil)
	if err != nil {
		return nil, err
	}
	result, err := resultOf(reply)
	if err != nil {
		return nil, err
	}
	if result.Status != scep.SUCCESS || len(result.Certificates) == 0 {
		return nil, errors.Becausef(nil, scep.ErrPayloadDecoding, "GetCert returned %s with no certificate", result.Status)
	}
	return result.Certificates[0], nil
}

// GetCRL fetches the CRL that covers the certificate named by serial.
func (c *Client) GetCRL(ctx context.Context, serial scep.IssuerAndSerial) ([]*x509.RevocationList, error) {
	id := scep.FromCounter(c.opts.Counter)
	reply, err := c.transact(ctx, &scep.GetCRL{ID: id, Serial: serial}, nil)
	if err != nil {
		return nil, err
	}
	if _, err := resultOf(reply); err != nil {
		return nil, err
	}
	if reply.Status != scep.SUCCESS {
		return nil, errors.Becausef(nil, scep.ErrPayloadDecoding, "GetCRL returned %s", reply.Status)
	}
	return scep.ParseCRLBundle(reply.Content)
}
