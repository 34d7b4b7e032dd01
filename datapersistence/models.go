package datapersistence

import (
	"time"

	"github.com/guardian/k8s-scepclient/scep"
)

// TransactionRecord is what survives a restart of an enrollment: enough to poll for it, and a
// note of the last request sent for it.
type TransactionRecord struct {
	TransactionID string           `json:"transactionId"`
	MessageType   scep.MessageType `json:"messageType"`
	SenderNonce   []byte           `json:"senderNonce"`
	Status        scep.PKIStatus   `json:"status,omitempty"`
	// CSR is the DER certificate request that opened the transaction.
	CSR []byte `json:"csr,omitempty"`
	// PollNames is the DER IssuerAndSubject used to poll a pending request.
	PollNames   []byte    `json:"pollNames,omitempty"`
	Host        string    `json:"host"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Polls       int       `json:"polls"`
}

// Sent records a request that has just gone out for this transaction.
func (r *TransactionRecord) Sent(attrs scep.AttributeSet, at time.Time) {
	r.TransactionID = attrs.TransactionID.String()
	if attrs.MessageType == scep.CertPollType {
		r.Polls++
	} else {
		r.MessageType = attrs.MessageType
	}
	r.SenderNonce = append([]byte(nil), attrs.SenderNonce...)
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = at
	}
	r.UpdatedAt = at
}
