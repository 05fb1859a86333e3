/*
 * Copyright (c) SAS Institute Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pkcs7

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/lib/x509tools"
)

// SignDetached produces a SignedData with detached content and a single
// SignerInfo without authenticated attributes, the form used by JAR signature
// block files. The first certificate must belong to privKey.
func SignDetached(content []byte, privKey crypto.Signer, certs []*x509.Certificate, hash crypto.Hash) (*ContentInfoSignedData, error) {
	if !hash.Available() {
		return nil, errors.New("pkcs7: unsupported digest algorithm")
	}
	digestAlg, ok := x509tools.PkixDigestAlgorithm(hash)
	if !ok {
		return nil, errors.New("pkcs7: unsupported digest algorithm")
	}
	pubKey := privKey.Public()
	sigAlg, ok := x509tools.PkixSignatureAlgorithm(pubKey, hash)
	if !ok {
		return nil, errors.New("pkcs7: unsupported public key algorithm")
	}
	if len(certs) < 1 || !x509tools.SameKey(pubKey, certs[0].PublicKey) {
		return nil, errors.New("pkcs7: first certificate must match private key")
	}
	d := hash.New()
	d.Write(content)
	digest := d.Sum(nil)
	sig, err := privKey.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, err
	}
	if err := x509tools.Verify(certs[0].PublicKey, hash, digest, sig); err != nil {
		return nil, fmt.Errorf("pkcs7: failed to verify generated signature using public key from certificate: %w", err)
	}
	cinfo, _ := NewContentInfo(OidData, nil)
	return &ContentInfoSignedData{
		ContentType: OidSignedData,
		Content: SignedData{
			Version:                    1,
			DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlg},
			ContentInfo:                cinfo,
			Certificates:               MarshalCertificates(certs),
			SignerInfos: []SignerInfo{{
				Version: 1,
				IssuerAndSerialNumber: IssuerAndSerial{
					IssuerName:   asn1.RawValue{FullBytes: certs[0].RawIssuer},
					SerialNumber: certs[0].SerialNumber,
				},
				DigestAlgorithm:           digestAlg,
				DigestEncryptionAlgorithm: sigAlg,
				EncryptedDigest:           sig,
			}},
		},
	}, nil
}

// Marshal encodes the SignedData as DER
func (psd *ContentInfoSignedData) Marshal() ([]byte, error) {
	return asn1.Marshal(*psd)
}

func MarshalCertificates(certs []*x509.Certificate) RawCertificates {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	val := asn1.RawValue{Bytes: buf.Bytes(), Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true}
	b, _ := asn1.Marshal(val)
	return RawCertificates{Raw: b}
}

func (raw RawCertificates) Parse() ([]*x509.Certificate, error) {
	var val asn1.RawValue
	if len(raw.Raw) == 0 {
		return nil, nil
	}
	if _, err := asn1.Unmarshal(raw.Raw, &val); err != nil {
		return nil, err
	}
	return x509.ParseCertificates(val.Bytes)
}

