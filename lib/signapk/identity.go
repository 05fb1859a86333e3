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

package signapk

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/lib/x509tools"
)

// SignerIdentity is a signing key and its certificate chain. The first
// certificate holds the public half of the key.
type SignerIdentity struct {
	Name         string
	Signer       crypto.Signer
	Certificates []*x509.Certificate
}

// NewSignerIdentity validates and returns a signer identity. The chain is
// copied.
func NewSignerIdentity(name string, signer crypto.Signer, chain []*x509.Certificate) (*SignerIdentity, error) {
	if name == "" {
		return nil, errors.New("empty signer name")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer %s: no private key", name)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("signer %s: no certificates", name)
	}
	if !x509tools.SameKey(signer.Public(), chain[0].PublicKey) {
		return nil, fmt.Errorf("signer %s: private key does not match the first certificate", name)
	}
	return &SignerIdentity{
		Name:         name,
		Signer:       signer,
		Certificates: append([]*x509.Certificate(nil), chain...),
	}, nil
}

// Certificate returns the signing certificate
func (s *SignerIdentity) Certificate() *x509.Certificate {
	return s.Certificates[0]
}
