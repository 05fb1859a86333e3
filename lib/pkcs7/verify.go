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
	"crypto/hmac"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/lib/x509tools"
)

type Signature struct {
	SignerInfo    *SignerInfo
	Certificate   *x509.Certificate
	Intermediates []*x509.Certificate
}

// Parse a DER-encoded ContentInfo holding SignedData
func Parse(der []byte) (*ContentInfoSignedData, error) {
	psd := new(ContentInfoSignedData)
	rest, err := asn1.Unmarshal(der, psd)
	if err != nil {
		return nil, fmt.Errorf("pkcs7: %w", err)
	} else if len(bytes.TrimRight(rest, "\x00")) != 0 {
		return nil, errors.New("pkcs7: trailing garbage after SignedData")
	}
	if !psd.ContentType.Equal(OidSignedData) {
		return nil, fmt.Errorf("pkcs7: unexpected content type %s", psd.ContentType)
	}
	return psd, nil
}

// Verify checks every SignerInfo against the embedded content, or against
// externalContent if the content is detached, and returns the last signature
func (sd *SignedData) Verify(externalContent []byte) (Signature, error) {
	content, err := sd.ContentInfo.Bytes()
	if err != nil {
		return Signature{}, err
	} else if content == nil {
		if externalContent == nil {
			return Signature{}, errors.New("pkcs7: missing content")
		}
		content = externalContent
	}
	certs, err := sd.Certificates.Parse()
	if err != nil {
		return Signature{}, fmt.Errorf("pkcs7: %w", err)
	} else if len(certs) == 0 {
		return Signature{}, errors.New("pkcs7: certificate missing from signedData")
	}
	if len(sd.SignerInfos) == 0 {
		return Signature{}, errors.New("pkcs7: no signers")
	}
	var sig Signature
	for i := range sd.SignerInfos {
		si := &sd.SignerInfos[i]
		cert, err := si.Verify(content, certs)
		if err != nil {
			return Signature{}, err
		}
		sig = Signature{si, cert, certs}
	}
	return sig, nil
}

func (si *SignerInfo) FindCertificate(certs []*x509.Certificate) (*x509.Certificate, error) {
	is := si.IssuerAndSerialNumber
	for _, cert := range certs {
		if bytes.Equal(cert.RawIssuer, is.IssuerName.FullBytes) && cert.SerialNumber.Cmp(is.SerialNumber) == 0 {
			return cert, nil
		}
	}
	return nil, errors.New("pkcs7: certificate missing from signedData")
}

func (si *SignerInfo) Verify(content []byte, certs []*x509.Certificate) (*x509.Certificate, error) {
	hash, ok := x509tools.PkixDigestToHash(si.DigestAlgorithm)
	if !ok || !hash.Available() {
		return nil, fmt.Errorf("pkcs7: unknown hash with OID %s", si.DigestAlgorithm.Algorithm)
	}
	w := hash.New()
	w.Write(content)
	digest := w.Sum(nil)
	if len(si.AuthenticatedAttributes) != 0 {
		// check the content digest against the messageDigest attribute
		var md []byte
		if err := si.AuthenticatedAttributes.GetOne(OidAttributeMessageDigest, &md); err != nil {
			return nil, err
		} else if !hmac.Equal(md, digest) {
			return nil, errors.New("pkcs7: content digest does not match")
		}
		// now pivot to verifying the hash over the authenticated attributes
		attrbytes, err := si.AuthenticatedAttributes.Bytes()
		if err != nil {
			return nil, err
		}
		w = hash.New()
		w.Write(attrbytes)
		digest = w.Sum(nil)
	}
	cert, err := si.FindCertificate(certs)
	if err != nil {
		return nil, err
	}
	if err := x509tools.Verify(cert.PublicKey, hash, digest, si.EncryptedDigest); err != nil {
		return nil, fmt.Errorf("pkcs7: %w", err)
	}
	return cert, nil
}
