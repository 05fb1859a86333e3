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

package certloader

import (
	"crypto/x509"
	"errors"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// PasswordGetter supplies the password for an encrypted key file
type PasswordGetter interface {
	GetPasswd(prompt string) (string, error)
}

// FixedPassword always returns the same password
type FixedPassword string

func (p FixedPassword) GetPasswd(string) (string, error) {
	return string(p), nil
}

// ParsePKCS12 decodes a PKCS#12 bundle, asking for the password until it is
// right. Two empty answers in a row abort.
func ParsePKCS12(blob []byte, prompt PasswordGetter) (*Certificate, error) {
	var triedEmpty bool
	for {
		password, err := prompt.GetPasswd("Password for PKCS12: ")
		if err != nil {
			return nil, err
		} else if password == "" {
			if triedEmpty {
				return nil, errors.New("aborted")
			}
			triedEmpty = true
		}
		priv, leaf, chain, err := pkcs12.DecodeChain(blob, password)
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			if _, fixed := prompt.(FixedPassword); fixed {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, err
		}
		certs := append([]*x509.Certificate{leaf}, chain...)
		return &Certificate{
			PrivateKey:   priv,
			Leaf:         leaf,
			Certificates: certs,
		}, nil
	}
}

func LoadPKCS12(path string, prompt PasswordGetter) (*Certificate, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cert, err := ParsePKCS12(blob, prompt)
	if err != nil {
		return nil, err
	}
	cert.KeyName = path
	return cert, nil
}
