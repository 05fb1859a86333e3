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

package sigalg

import (
	"crypto"
	"crypto/rand"
	"fmt"

	"github.com/sassoftware/apksigner/lib/x509tools"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// Suggested returns the algorithms to sign with for the given public key.
// Verity variants are only added when verity is enabled.
func Suggested(pub crypto.PublicKey, minSdk int, verity bool) ([]*Algorithm, error) {
	keyAlg, err := x509tools.KeyAlgorithm(pub)
	if err != nil {
		return nil, sigerrors.AlgorithmError{Msg: "unsupported key algorithm", Err: err}
	}
	bits, err := x509tools.KeyBits(pub)
	if err != nil {
		return nil, sigerrors.AlgorithmError{Msg: "unsupported key algorithm", Err: err}
	}
	switch keyAlg {
	case "RSA":
		// Platforms before N can't verify SHA-512 with RSA keys larger than
		// 3072 bits, so only big keys get SHA-512
		if bits <= 3072 {
			algs := []*Algorithm{RSAPKCS1WithSHA256}
			if verity {
				algs = append(algs, VerityRSAPKCS1WithSHA256)
			}
			return algs, nil
		}
		return []*Algorithm{RSAPKCS1WithSHA512}, nil
	case "DSA":
		algs := []*Algorithm{DSAWithSHA256}
		if verity {
			algs = append(algs, VerityDSAWithSHA256)
		}
		return algs, nil
	case "EC":
		if bits <= 256 {
			algs := []*Algorithm{ECDSAWithSHA256}
			if verity {
				algs = append(algs, VerityECDSAWithSHA256)
			}
			return algs, nil
		}
		return []*Algorithm{ECDSAWithSHA512}, nil
	}
	return nil, sigerrors.AlgorithmError{Msg: "unsupported key algorithm " + keyAlg}
}

// Sign signs data and then checks the result against pub, which should be the
// public key from the signer's certificate. A signature that does not verify
// is never returned.
func (a *Algorithm) Sign(signer crypto.Signer, pub crypto.PublicKey, data []byte) ([]byte, error) {
	keyAlg, err := x509tools.KeyAlgorithm(signer.Public())
	if err != nil {
		return nil, sigerrors.AlgorithmError{Algorithm: a.Name, Msg: "unsupported signing key", Err: err}
	}
	if keyAlg != a.KeyAlgorithm {
		return nil, sigerrors.AlgorithmError{Algorithm: a.Name, Msg: fmt.Sprintf("%s key can't be used with this algorithm", keyAlg)}
	}
	if keyAlg == "DSA" {
		return nil, sigerrors.AlgorithmError{Algorithm: a.Name, Msg: "DSA signing is not supported"}
	}
	d := a.Hash.New()
	d.Write(data)
	digest := d.Sum(nil)
	sig, err := signer.Sign(rand.Reader, digest, a.SignerOpts())
	if err != nil {
		return nil, sigerrors.AlgorithmError{Algorithm: a.Name, Msg: "failed to sign", Err: err}
	}
	if err := x509tools.Verify(pub, a.SignerOpts(), digest, sig); err != nil {
		return nil, sigerrors.AlgorithmError{Algorithm: a.Name, Msg: "failed to verify generated signature using public key from certificate", Err: err}
	}
	return sig, nil
}

// Verify checks a signature over data
func (a *Algorithm) Verify(pub crypto.PublicKey, data, sig []byte) error {
	d := a.Hash.New()
	d.Write(data)
	if err := x509tools.Verify(pub, a.SignerOpts(), d.Sum(nil), sig); err != nil {
		return sigerrors.AlgorithmError{Algorithm: a.Name, Msg: "signature did not verify", Err: err}
	}
	return nil
}
