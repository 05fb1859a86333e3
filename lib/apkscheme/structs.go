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

// Package apkscheme builds and verifies the APK Signature Scheme v2 and v3
// blocks stored inside the APK Signing Block.
//
// https://source.android.com/security/apksigning/v2
// https://source.android.com/security/apksigning/v3
package apkscheme

import (
	"crypto"
	"crypto/x509"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
)

const (
	// StrippingProtectionAttrID is a v2 signed data attribute naming the
	// newer scheme that was also applied, so that removing the v3 block can
	// be detected
	StrippingProtectionAttrID = 0xbeeff00d

	SchemeV2 = 2
	SchemeV3 = 3
)

// SignerConfig is one signer of a v2 or v3 block
type SignerConfig struct {
	Name         string
	Signer       crypto.Signer
	Certificates []*x509.Certificate
	// Algorithms to sign with, in order of preference
	Algorithms    []*sigalg.Algorithm
	MinSdkVersion int
	MaxSdkVersion int
	// Lineage is embedded in v3 signed data when set
	Lineage *lineage.Lineage
}

// wire formats, see apkblock.Marshal for the encoding rules

type attribute struct {
	ID    uint32
	Value apkblock.Raw
}

type v2SignedData struct {
	Digests      []apkblock.IDValue
	Certificates [][]byte
	Attributes   []attribute
}

type v2Signer struct {
	SignedData apkblock.Raw
	Signatures []apkblock.IDValue
	PublicKey  []byte
}

type v3SignedData struct {
	Digests       []apkblock.IDValue
	Certificates  [][]byte
	MinSdkVersion uint32
	MaxSdkVersion uint32
	Attributes    []attribute
}

type v3Signer struct {
	SignedData    apkblock.Raw
	MinSdkVersion uint32
	MaxSdkVersion uint32
	Signatures    []apkblock.IDValue
	PublicKey     []byte
}

func encodeCertificates(certs []*x509.Certificate) [][]byte {
	ret := make([][]byte, len(certs))
	for i, cert := range certs {
		ret[i] = cert.Raw
	}
	return ret
}
