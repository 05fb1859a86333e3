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

// Package testkeys generates throwaway signing identities for tests. Keys are
// cached per name so a test binary pays for each RSA key only once.
package testkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"
)

type Kind string

const (
	RSA2048 Kind = "rsa2048"
	RSA4096 Kind = "rsa4096"
	P256    Kind = "p256"
	P384    Kind = "p384"
)

// Identity is a private key with a self-signed certificate
type Identity struct {
	Name        string
	Key         crypto.Signer
	Certificate *x509.Certificate
}

func (i *Identity) Chain() []*x509.Certificate {
	return []*x509.Certificate{i.Certificate}
}

var (
	mu    sync.Mutex
	cache = make(map[string]*Identity)
)

// New returns the identity called name, generating it on first use
func New(t testing.TB, name string, kind Kind) *Identity {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	cacheKey := name + "/" + string(kind)
	if id := cache[cacheKey]; id != nil {
		return id
	}
	var key crypto.Signer
	var err error
	switch kind {
	case RSA2048:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case RSA4096:
		key, err = rsa.GenerateKey(rand.Reader, 4096)
	case P256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case P384:
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		t.Fatalf("unknown key kind %q", kind)
	}
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	id := &Identity{Name: name, Key: key, Certificate: cert}
	cache[cacheKey] = id
	return id
}
