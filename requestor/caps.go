package requestor

import (
	"bufio"
	"bytes"
	"crypto"
	"strings"

	"github.com/guardian/k8s-scepclient/scep"
)

// capability keywords of a GetCACaps reply, RFC 8894 section 3.5.2
const (
	CapAES              = "AES"
	CapDES3             = "DES3"
	CapGetNextCACert    = "GetNextCACert"
	CapPOSTPKIOperation = "POSTPKIOperation"
	CapRenewal          = "Renewal"
	CapSHA1             = "SHA-1"
	CapSHA256           = "SHA-256"
	CapSHA512           = "SHA-512"
	CapSCEPStandard     = "SCEPStandard"
)

// Capabilities is the list of keywords a CA advertised.
type Capabilities []string

// ParseCapabilities reads one keyword per line, ignoring blank lines and surrounding whitespace.
func ParseCapabilities(body []byte) Capabilities {
	caps := Capabilities{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			caps = append(caps, line)
		}
	}
	return caps
}

// Has matches case-insensitively, as some servers capitalise differently.
func (c Capabilities) Has(keyword string) bool {
	for _, advertised := range c {
		if strings.EqualFold(advertised, keyword) {
			return true
		}
	}
	return false
}

// UsePost reports whether pkiMessages may be sent in the body of a POST.
// SCEPStandard implies every feature of RFC 8894, this one included.
func (c Capabilities) UsePost() bool {
	return c.Has(CapPOSTPKIOperation) || c.Has(CapSCEPStandard)
}

// PreferredDigest picks the strongest signing digest the CA accepts. SHA-1 is all a CA that advertises nothing supports.
func (c Capabilities) PreferredDigest() crypto.Hash {
	switch {
	case c.Has(CapSHA512):
		return crypto.SHA512
	case c.Has(CapSHA256), c.Has(CapSCEPStandard):
		return crypto.SHA256
	}
	return crypto.SHA1
}

// PreferredCipher picks an envelope cipher the CA can decrypt. Triple DES cannot be produced here,
// so a CA offering only DES3 gets single DES, which RFC 8894 requires it to accept.
func (c Capabilities) PreferredCipher() scep.CipherAlgorithm {
	if c.Has(CapAES) || c.Has(CapSCEPStandard) {
		return scep.CipherAES128CBC
	}
	return scep.CipherDESCBC
}
