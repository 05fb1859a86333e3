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

package x509tools

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
)

var (
	// RFC 3279
	OidDigestSHA1 = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	// RFC 5758
	OidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OidDigestSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OidDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// RFC 3279
	OidPublicKeyRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OidPublicKeyDSA   = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	OidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

	// RFC 5758
	OidSignatureECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OidSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OidSignatureECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

var HashOids = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   OidDigestSHA1,
	crypto.SHA256: OidDigestSHA256,
	crypto.SHA384: OidDigestSHA384,
	crypto.SHA512: OidDigestSHA512,
}

// HashNames are the names JAR manifests use for each digest
var HashNames = map[crypto.Hash]string{
	crypto.SHA1:   "SHA1",
	crypto.SHA256: "SHA-256",
	crypto.SHA384: "SHA-384",
	crypto.SHA512: "SHA-512",
}

// Convert a crypto.Hash to a X.509 AlgorithmIdentifier
func PkixDigestAlgorithm(hash crypto.Hash) (alg pkix.AlgorithmIdentifier, ok bool) {
	if oid, ok2 := HashOids[hash]; ok2 {
		alg.Algorithm = oid
		// some implementations want this to be NULL, not missing entirely
		alg.Parameters = asn1.RawValue{Tag: 5}
		ok = true
	}
	return
}

func PkixDigestToHash(alg pkix.AlgorithmIdentifier) (hash crypto.Hash, ok bool) {
	for hash, oid := range HashOids {
		if alg.Algorithm.Equal(oid) {
			return hash, true
		}
	}
	return 0, false
}

// Convert a crypto.PublicKey to a X.509 AlgorithmIdentifier
func PkixPublicKeyAlgorithm(pub crypto.PublicKey) (alg pkix.AlgorithmIdentifier, ok bool) {
	switch pub.(type) {
	case *rsa.PublicKey:
		alg.Algorithm = OidPublicKeyRSA
	case *ecdsa.PublicKey:
		alg.Algorithm = OidPublicKeyECDSA
	default:
		return
	}
	// openssl expects this to be NULL, not missing entirely
	alg.Parameters = asn1.RawValue{Tag: 5}
	return alg, true
}

// PkixSignatureAlgorithm returns the digestEncryptionAlgorithm used in a
// PKCS#7 SignerInfo for the given key and digest. RSA uses the bare
// rsaEncryption OID, ECDSA names the digest as well.
func PkixSignatureAlgorithm(pub crypto.PublicKey, hash crypto.Hash) (alg pkix.AlgorithmIdentifier, ok bool) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return PkixPublicKeyAlgorithm(pub)
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA1:
			alg.Algorithm = OidSignatureECDSAWithSHA1
		case crypto.SHA256:
			alg.Algorithm = OidSignatureECDSAWithSHA256
		case crypto.SHA512:
			alg.Algorithm = OidSignatureECDSAWithSHA512
		default:
			return
		}
		return alg, true
	}
	return
}
