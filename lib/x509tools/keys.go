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
	"crypto/dsa" //nolint:staticcheck // DSA certificates still appear on old APKs
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

var ErrUnsupportedKey = errors.New("unsupported key type")

// Verify a signature over a pre-hashed digest. opts selects RSA-PSS when it is
// a *rsa.PSSOptions, otherwise PKCS#1 v1.5 is assumed for RSA keys.
func Verify(pub crypto.PublicKey, opts crypto.SignerOpts, hashed, sig []byte) error {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.VerifyPSS(pub, opts.HashFunc(), hashed, sig, pss)
		}
		return rsa.VerifyPKCS1v15(pub, opts.HashFunc(), hashed, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, hashed, sig) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	case *dsa.PublicKey:
		var rs struct{ R, S *big.Int }
		if rest, err := asn1.Unmarshal(sig, &rs); err != nil {
			return fmt.Errorf("DSA signature: %w", err)
		} else if len(rest) != 0 {
			return errors.New("DSA signature: trailing data")
		}
		// DSA truncates the digest to the size of the subgroup
		if n := (pub.Q.BitLen() + 7) / 8; len(hashed) > n {
			hashed = hashed[:n]
		}
		if !dsa.Verify(pub, hashed, rs.R, rs.S) {
			return errors.New("DSA verification failed")
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// SameKey returns true if the two keys have the same public part
func SameKey(a, b interface{}) bool {
	if s, ok := a.(crypto.Signer); ok {
		a = s.Public()
	}
	if s, ok := b.(crypto.Signer); ok {
		b = s.Public()
	}
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return false
}

// KeyAlgorithm returns "RSA", "EC" or "DSA" for the given public key, the
// names used for JAR signature block file extensions
func KeyAlgorithm(pub crypto.PublicKey) (string, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RSA", nil
	case *ecdsa.PublicKey:
		return "EC", nil
	case *dsa.PublicKey:
		return "DSA", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// KeyBits returns the modulus or curve size of the key
func KeyBits(pub crypto.PublicKey) (int, error) {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen(), nil
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize, nil
	case *dsa.PublicKey:
		return pub.P.BitLen(), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
