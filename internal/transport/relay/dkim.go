package relay

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

var dkimHeaderKeys = []string{
	"from",
	"to",
	"cc",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// DKIMSigner signs relay submissions.
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// LoadDKIMSigner reads a PEM private key from keyPath. It returns nil when
// selector and keyPath are both empty. An empty domain means the domain of
// each message's sender is used.
func LoadDKIMSigner(selector, domain, keyPath string) (*DKIMSigner, error) {
	selector = strings.TrimSpace(selector)
	keyPath = strings.TrimSpace(keyPath)
	if selector == "" && keyPath == "" {
		return nil, nil
	}
	if selector == "" || keyPath == "" {
		return nil, fmt.Errorf("dkim: both selector and key path are required")
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("dkim: read private key: %w", err)
	}
	return NewDKIMSigner(selector, domain, data)
}

// NewDKIMSigner creates a signer from PEM encoded key data.
func NewDKIMSigner(selector, domain string, pemData []byte) (*DKIMSigner, error) {
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return &DKIMSigner{
		domain:   strings.ToLower(strings.TrimSpace(domain)),
		selector: selector,
		key:      key,
	}, nil
}

// Sign prepends a DKIM-Signature header to message.
func (s *DKIMSigner) Sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}
	domain := s.domain
	if domain == "" {
		domain = senderDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	var signed bytes.Buffer
	err := dkim.Sign(&signed, bytes.NewReader(message), &dkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             dkimHeaderKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, fmt.Errorf("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
			}
			return signer, nil
		}
		pemData = rest
	}
}

func senderDomain(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
