package scep

import (
	"bytes"
	"crypto/rand"
	"encoding/asn1"
	"io"

	"github.com/smallstep/pkcs7"
	"gopkg.in/errgo.v2/fmt/errors"
)

// AttributeSet holds the SCEP authenticated attributes of one pkiMessage.
// Empty fields are absent from the wire.
type AttributeSet struct {
	TransactionID  TransactionID
	MessageType    MessageType
	PKIStatus      PKIStatus
	FailInfo       FailInfo
	FailInfoText   string
	SenderNonce    []byte
	RecipientNonce []byte
}

// BuildAttributes derives the attributes of msg. Every call draws a new sender nonce from
// random, so an outgoing message must have its attributes built exactly once.
func BuildAttributes(msg Message, random io.Reader) (AttributeSet, error) {
	if random == nil {
		random = rand.Reader
	}
	id := msg.TransactionID()
	if !id.printable() {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "transactionID %q is not a printable string", string(id))
	}
	attrs := AttributeSet{
		TransactionID: id.Bytes(),
		MessageType:   msg.MessageType(),
	}
	if rep, ok := msg.(*CertRep); ok {
		if err := rep.Validate(); err != nil {
			return AttributeSet{}, err
		}
		attrs.PKIStatus = rep.Status
		if rep.Status == FAILURE {
			attrs.FailInfo = rep.FailInfo
			attrs.FailInfoText = rep.FailInfoText
		}
		if len(rep.RecipientNonce) > 0 {
			attrs.RecipientNonce = append([]byte(nil), rep.RecipientNonce...)
		}
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return AttributeSet{}, errors.Becausef(err, ErrAttribute, "cannot generate senderNonce")
	}
	attrs.SenderNonce = nonce
	return attrs, nil
}

// signed lists the attributes in the form the CMS signer authenticates.
func (a AttributeSet) signed() []pkcs7.Attribute {
	attrs := []pkcs7.Attribute{
		{Type: oidSCEPtransactionID, Value: string(a.TransactionID)},
		{Type: oidSCEPmessageType, Value: string(a.MessageType)},
	}
	if a.PKIStatus != "" {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPpkiStatus, Value: string(a.PKIStatus)})
	}
	if a.FailInfo != "" {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPfailInfo, Value: string(a.FailInfo)})
	}
	if a.FailInfoText != "" {
		attrs = append(attrs, pkcs7.Attribute{
			Type:  oidSCEPfailInfoText,
			Value: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagUTF8String, Bytes: []byte(a.FailInfoText)},
		})
	}
	if len(a.SenderNonce) > 0 {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPsenderNonce, Value: a.SenderNonce})
	}
	if len(a.RecipientNonce) > 0 {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPrecipientNonce, Value: a.RecipientNonce})
	}
	return attrs
}

// IsResponse reports whether the attributes belong to a CertRep.
func (a AttributeSet) IsResponse() bool {
	return a.MessageType == CertRepType
}

// HasPayload reports whether the message these attributes describe carries enveloped content.
func (a AttributeSet) HasPayload() bool {
	return !a.IsResponse() || a.PKIStatus == SUCCESS
}

type rawAttributes map[string][]byte

func (r rawAttributes) get(oid asn1.ObjectIdentifier, out interface{}) (bool, error) {
	values, ok := r[oid.String()]
	if !ok {
		return false, nil
	}
	rest, err := asn1.Unmarshal(values, out)
	if err != nil {
		return true, errors.Becausef(err, ErrAttribute, "malformed attribute %s", oid)
	}
	if len(rest) > 0 {
		return true, errors.Becausef(nil, ErrAttribute, "attribute %s has more than one value", oid)
	}
	return true, nil
}

// readAttributes extracts and checks the SCEP attributes of the only signer of p7.
func readAttributes(p7 *pkcs7.PKCS7) (AttributeSet, error) {
	if len(p7.Signers) != 1 {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "expected one signer, found %d", len(p7.Signers))
	}
	raw := rawAttributes{}
	for _, attr := range p7.Signers[0].AuthenticatedAttributes {
		raw[attr.Type.String()] = attr.Value.Bytes
	}

	var attrs AttributeSet
	var id, msgType, status, failInfo, failInfoText string

	found, err := raw.get(oidSCEPtransactionID, &id)
	if err != nil {
		return AttributeSet{}, err
	}
	if !found || id == "" {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "transactionID attribute is missing")
	}
	attrs.TransactionID = TransactionID(id)

	found, err = raw.get(oidSCEPmessageType, &msgType)
	if err != nil {
		return AttributeSet{}, err
	}
	if !found {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "messageType attribute is missing")
	}
	attrs.MessageType = MessageType(msgType)
	if !attrs.MessageType.Valid() {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "undefined messageType %q", msgType)
	}

	hasStatus, err := raw.get(oidSCEPpkiStatus, &status)
	if err != nil {
		return AttributeSet{}, err
	}
	hasFailInfo, err := raw.get(oidSCEPfailInfo, &failInfo)
	if err != nil {
		return AttributeSet{}, err
	}
	if _, err := raw.get(oidSCEPfailInfoText, &failInfoText); err != nil {
		return AttributeSet{}, err
	}
	if _, err := raw.get(oidSCEPsenderNonce, &attrs.SenderNonce); err != nil {
		return AttributeSet{}, err
	}
	if _, err := raw.get(oidSCEPrecipientNonce, &attrs.RecipientNonce); err != nil {
		return AttributeSet{}, err
	}
	attrs.PKIStatus = PKIStatus(status)
	attrs.FailInfo = FailInfo(failInfo)
	attrs.FailInfoText = failInfoText

	if !attrs.IsResponse() {
		if hasStatus || hasFailInfo {
			return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "%s request carries response status attributes", attrs.MessageType)
		}
		return attrs, nil
	}
	if !hasStatus {
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "pkiStatus attribute is missing from CertRep")
	}
	switch attrs.PKIStatus {
	case FAILURE:
		if !hasFailInfo || !attrs.FailInfo.valid() {
			return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "FAILURE CertRep has missing or invalid failInfo %q", failInfo)
		}
	case SUCCESS, PENDING:
		if hasFailInfo {
			return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "%s CertRep carries failInfo", attrs.PKIStatus)
		}
	default:
		return AttributeSet{}, errors.Becausef(nil, ErrAttribute, "undefined pkiStatus %q", status)
	}
	return attrs, nil
}

// CheckReply verifies that got answers the request whose attributes are sent:
// same transaction, and the request's senderNonce echoed as recipientNonce.
func CheckReply(sent, got AttributeSet) error {
	if !got.IsResponse() {
		return errors.Becausef(nil, ErrNonceMismatch, "reply is a %s, not a CertRep", got.MessageType)
	}
	if !got.TransactionID.Equal(sent.TransactionID) {
		return errors.Becausef(nil, ErrNonceMismatch, "reply transactionID %s does not match request %s", got.TransactionID, sent.TransactionID)
	}
	if len(got.RecipientNonce) == 0 || !bytes.Equal(got.RecipientNonce, sent.SenderNonce) {
		return errors.Becausef(nil, ErrNonceMismatch, "recipientNonce of transaction %s does not echo the request senderNonce", sent.TransactionID)
	}
	return nil
}
