//
// Copyright (c) SAS Institute Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package certloader loads signing keys and their certificate chains from PEM,
// DER and PKCS#12 files.
package certloader

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sassoftware/apksigner/lib/pkcs7"
	"github.com/sassoftware/apksigner/lib/x509tools"
)

const asn1Magic = 0x30 // weak but good enough

var pkcs7SignedData = []byte{0x06, 0x09, 0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x07, 0x02}

var ErrNoCerts = errors.New("failed to find any certificates in PEM file")

type Certificate struct {
	Leaf         *x509.Certificate
	Certificates []*x509.Certificate
	PrivateKey   crypto.PrivateKey
	KeyName      string
}

// Chain returns the leaf followed by its issuers in order, as far as they
// are present. Self-signed roots and unrelated certificates are left out.
func (s *Certificate) Chain() []*x509.Certificate {
	chain := []*x509.Certificate{s.Leaf}
	for cert := s.Leaf; ; {
		issuer := s.issuerOf(cert)
		if issuer == nil || bytes.Equal(issuer.RawIssuer, issuer.RawSubject) {
			return chain
		}
		chain = append(chain, issuer)
		cert = issuer
	}
}

func (s *Certificate) issuerOf(cert *x509.Certificate) *x509.Certificate {
	if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return nil
	}
	for _, candidate := range s.Certificates {
		if candidate != cert && bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			return candidate
		}
	}
	return nil
}

func (s *Certificate) Signer() crypto.Signer {
	signer, _ := s.PrivateKey.(crypto.Signer)
	return signer
}

// pemBlocks returns the blocks of the given types, or the whole blob as one
// block if it is DER
func pemBlocks(blob []byte, accept func(blockType string) bool) []*pem.Block {
	if len(blob) >= 1 && blob[0] == asn1Magic {
		return []*pem.Block{{Bytes: blob}}
	}
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, blob = pem.Decode(blob)
		if block == nil {
			return blocks
		} else if accept(block.Type) {
			blocks = append(blocks, block)
		}
	}
}

// ParsePrivateKey parses the first private key in a blob of PEM or DER data
func ParsePrivateKey(blob []byte) (crypto.PrivateKey, error) {
	blocks := pemBlocks(blob, func(blockType string) bool {
		return blockType == "PRIVATE KEY" || strings.HasSuffix(blockType, " PRIVATE KEY")
	})
	if len(blocks) == 0 {
		return nil, errors.New("failed to find any private keys in PEM data")
	}
	if _, encrypted := blocks[0].Headers["DEK-Info"]; encrypted {
		return nil, errors.New("encrypted PEM private keys are not supported; use PKCS#12 instead")
	}
	return parsePrivateKey(blocks[0].Bytes)
}

// See crypto/tls.parsePrivateKey
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T in PKCS#8 wrapping", key)
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key")
}

// ParseCertificates parses a list of certificates, PEM or DER, X509 or PKCS#7
func ParseCertificates(blob []byte) (*Certificate, error) {
	var certs []*x509.Certificate
	for _, block := range pemBlocks(blob, func(blockType string) bool {
		return blockType == "CERTIFICATE" || blockType == "PKCS7"
	}) {
		parsed, err := parseCertificates(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, parsed...)
	}
	if len(certs) == 0 {
		return nil, ErrNoCerts
	}
	return &Certificate{Leaf: certs[0], Certificates: certs}, nil
}

func parseCertificates(der []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(der[:min(32, len(der))], pkcs7SignedData) {
		return x509.ParseCertificates(der)
	}
	psd, err := pkcs7.Parse(der)
	if err != nil {
		return nil, err
	}
	return psd.Content.Certificates.Parse()
}

// LoadX509KeyPair extends the tls version of this function by parsing p7b
// files
func LoadX509KeyPair(certFile, keyFile string) (*Certificate, error) {
	keyblob, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	certblob, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyblob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keyFile, err)
	}
	cert, err := ParseCertificates(certblob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", certFile, err)
	}
	if !x509tools.SameKey(cert.Leaf.PublicKey, key) {
		return nil, errors.New("private key does not match certificate")
	}
	cert.PrivateKey = key
	cert.KeyName = keyFile
	return cert, nil
}
