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

// Package sigalg describes the signature algorithms of APK Signature Schemes
// v2 and v3 and the rules for choosing between them.
package sigalg

import (
	"crypto"
	"crypto/rsa"
	"fmt"

	"github.com/sassoftware/apksigner/lib/apkdigest"
)

// Algorithm is one entry of the signature algorithm table. IDs are part of
// the wire format and never change.
type Algorithm struct {
	ID            uint32
	Name          string
	ContentDigest apkdigest.ContentDigestAlgorithm
	// KeyAlgorithm is "RSA", "EC" or "DSA"
	KeyAlgorithm string
	Hash         crypto.Hash
	PSS          bool
	// MinSdkVersion is the first platform version that verifies this
	// algorithm
	MinSdkVersion int
}

// https://source.android.com/security/apksigning/v2#signature-algorithm-ids
var (
	RSAPSSWithSHA256         = &Algorithm{0x0101, "RSA_PSS_WITH_SHA256", apkdigest.ChunkedSHA256, "RSA", crypto.SHA256, true, N}
	RSAPSSWithSHA512         = &Algorithm{0x0102, "RSA_PSS_WITH_SHA512", apkdigest.ChunkedSHA512, "RSA", crypto.SHA512, true, N}
	RSAPKCS1WithSHA256       = &Algorithm{0x0103, "RSA_PKCS1_V1_5_WITH_SHA256", apkdigest.ChunkedSHA256, "RSA", crypto.SHA256, false, N}
	RSAPKCS1WithSHA512       = &Algorithm{0x0104, "RSA_PKCS1_V1_5_WITH_SHA512", apkdigest.ChunkedSHA512, "RSA", crypto.SHA512, false, N}
	ECDSAWithSHA256          = &Algorithm{0x0201, "ECDSA_WITH_SHA256", apkdigest.ChunkedSHA256, "EC", crypto.SHA256, false, N}
	ECDSAWithSHA512          = &Algorithm{0x0202, "ECDSA_WITH_SHA512", apkdigest.ChunkedSHA512, "EC", crypto.SHA512, false, N}
	DSAWithSHA256            = &Algorithm{0x0301, "DSA_WITH_SHA256", apkdigest.ChunkedSHA256, "DSA", crypto.SHA256, false, N}
	VerityRSAPKCS1WithSHA256 = &Algorithm{0x0421, "VERITY_RSA_PKCS1_V1_5_WITH_SHA256", apkdigest.VerityChunkedSHA256, "RSA", crypto.SHA256, false, P}
	VerityECDSAWithSHA256    = &Algorithm{0x0423, "VERITY_ECDSA_WITH_SHA256", apkdigest.VerityChunkedSHA256, "EC", crypto.SHA256, false, P}
	VerityDSAWithSHA256      = &Algorithm{0x0425, "VERITY_DSA_WITH_SHA256", apkdigest.VerityChunkedSHA256, "DSA", crypto.SHA256, false, P}
)

// All lists every known algorithm in ID order
var All = []*Algorithm{
	RSAPSSWithSHA256,
	RSAPSSWithSHA512,
	RSAPKCS1WithSHA256,
	RSAPKCS1WithSHA512,
	ECDSAWithSHA256,
	ECDSAWithSHA512,
	DSAWithSHA256,
	VerityRSAPKCS1WithSHA256,
	VerityECDSAWithSHA256,
	VerityDSAWithSHA256,
}

var byID = make(map[uint32]*Algorithm, len(All))

func init() {
	for _, alg := range All {
		byID[alg.ID] = alg
	}
}

// ByID looks up an algorithm by its wire ID
func ByID(id uint32) (*Algorithm, error) {
	alg := byID[id]
	if alg == nil {
		return nil, fmt.Errorf("unknown signature algorithm 0x%04x", id)
	}
	return alg, nil
}

func (a *Algorithm) String() string {
	return a.Name
}

// SignerOpts returns the options to pass to crypto.Signer
func (a *Algorithm) SignerOpts() crypto.SignerOpts {
	if a.PSS {
		return &rsa.PSSOptions{SaltLength: a.Hash.Size(), Hash: a.Hash}
	}
	return a.Hash
}

// Compare orders algorithms by the strength of their content digest
func Compare(a, b *Algorithm) int {
	return a.ContentDigest.Compare(b.ContentDigest)
}

// ContentDigests returns the distinct content digest algorithms needed by
// algs, in first-seen order
func ContentDigests(algs []*Algorithm) []apkdigest.ContentDigestAlgorithm {
	var ret []apkdigest.ContentDigestAlgorithm
	seen := make(map[apkdigest.ContentDigestAlgorithm]bool)
	for _, alg := range algs {
		if !seen[alg.ContentDigest] {
			seen[alg.ContentDigest] = true
			ret = append(ret, alg.ContentDigest)
		}
	}
	return ret
}
