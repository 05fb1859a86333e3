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
	"fmt"
	"math"

	"github.com/sassoftware/apksigner/lib/apkscheme"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/signjar"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// deriveV1Configs builds one JAR signer per identity. All signers share the
// strongest of their suggested digest algorithms for manifest entries.
func deriveV1Configs(signers []*SignerIdentity, minSdk int) ([]*signjar.SignerConfig, signjar.DigestAlgorithm, error) {
	configs := make([]*signjar.SignerConfig, len(signers))
	byName := make(map[string]int, len(signers))
	var contentDigest signjar.DigestAlgorithm
	for i, signer := range signers {
		name, err := signjar.SafeSignerName(signer.Name)
		if err != nil {
			return nil, 0, err
		}
		if other, ok := byName[name]; ok {
			return nil, 0, fmt.Errorf("signers #%d and #%d have the same name: %s. v1 signer names must be unique", other+1, i+1, name)
		}
		byName[name] = i
		alg, err := signjar.SuggestedDigestAlgorithm(signer.Certificate().PublicKey, minSdk)
		if err != nil {
			return nil, 0, withSigner(err, signer.Name)
		}
		if alg.Compare(contentDigest) > 0 {
			contentDigest = alg
		}
		configs[i] = &signjar.SignerConfig{
			Name:            name,
			Signer:          signer.Signer,
			Certificates:    signer.Certificates,
			DigestAlgorithm: alg,
		}
	}
	return configs, contentDigest, nil
}

func withSigner(err error, name string) error {
	if aerr, ok := err.(sigerrors.AlgorithmError); ok {
		aerr.Signer = name
		return aerr
	}
	return fmt.Errorf("signer %s: %w", name, err)
}

func schemeConfig(signer *SignerIdentity, scheme, minSdk int, verity bool) (*apkscheme.SignerConfig, error) {
	algs, err := sigalg.Suggested(signer.Certificate().PublicKey, minSdk, verity)
	if err != nil {
		if aerr, ok := err.(sigerrors.AlgorithmError); ok {
			aerr.Scheme = fmt.Sprintf("v%d", scheme)
			err = aerr
		}
		return nil, withSigner(err, signer.Name)
	}
	return &apkscheme.SignerConfig{
		Name:          signer.Name,
		Signer:        signer.Signer,
		Certificates:  signer.Certificates,
		Algorithms:    algs,
		MinSdkVersion: minSdk,
		MaxSdkVersion: sigalg.MaxSdk,
	}, nil
}

// deriveV2Configs returns one config per signer, or only the oldest signer
// when v3 carries the rotation history
func deriveV2Configs(signers []*SignerIdentity, minSdk int, verity, v3Enabled bool) ([]*apkscheme.SignerConfig, error) {
	if v3Enabled {
		signers = signers[:1]
	}
	configs := make([]*apkscheme.SignerConfig, len(signers))
	for i, signer := range signers {
		cfg, err := schemeConfig(signer, apkscheme.SchemeV2, minSdk, verity)
		if err != nil {
			return nil, err
		}
		configs[i] = cfg
	}
	return configs, nil
}

// deriveV3Configs partitions the platform range among the signers, which
// must be ordered oldest first. The newest signer covers every future
// version; each older one covers up to the version before its successor
// takes over. Walking stops once the target minSdk or the v3 floor is
// reached, so older signers that aren't needed are left out. A signer whose
// key can't be used with v3 is only an error if it is needed.
//
// A signer that is not the root of the lineage is only honored from P
// onwards, the first release that understands rotation.
func deriveV3Configs(signers []*SignerIdentity, minSdk int, verity bool, lin *lineage.Lineage) ([]*apkscheme.SignerConfig, error) {
	var configs []*apkscheme.SignerConfig
	currentMin := math.MaxInt32
	for i := len(signers) - 1; i >= 0; i-- {
		signer := signers[i]
		cfg, err := schemeConfig(signer, apkscheme.SchemeV3, minSdk, verity)
		if err != nil {
			return nil, err
		}
		if i == len(signers)-1 {
			cfg.MaxSdkVersion = sigalg.MaxSdk
		} else {
			cfg.MaxSdkVersion = currentMin - 1
		}
		cfg.MinSdkVersion = sigalg.MinSdkFromAlgorithms(cfg.Algorithms, minSdk)
		if lin != nil {
			sub, err := lin.SubLineage(signer.Certificate())
			if err != nil {
				return nil, fmt.Errorf("v3 signer %s: %w", signer.Name, err)
			}
			cfg.Lineage = sub
			if sub.Len() > 1 && cfg.MinSdkVersion < sigalg.P {
				cfg.MinSdkVersion = sigalg.P
			}
		}
		if cfg.MinSdkVersion > cfg.MaxSdkVersion {
			return nil, sigerrors.AlgorithmError{
				Scheme: "v3",
				Signer: signer.Name,
				MinSdk: cfg.MinSdkVersion,
				MaxSdk: cfg.MaxSdkVersion,
				Msg:    "signer's algorithms are not supported before its successor takes over",
			}
		}
		configs = append(configs, cfg)
		currentMin = cfg.MinSdkVersion
		if currentMin <= minSdk || currentMin < sigalg.P {
			break
		}
	}
	if currentMin > sigalg.P && currentMin > minSdk {
		return nil, sigerrors.AlgorithmError{
			Scheme: "v3",
			MinSdk: minSdk,
			MaxSdk: sigalg.MaxSdk,
			Msg:    "provided key algorithms not supported on all desired Android SDK versions",
		}
	}
	// oldest first, matching the order of the rotation history
	for i, j := 0, len(configs)-1; i < j; i, j = i+1, j-1 {
		configs[i], configs[j] = configs[j], configs[i]
	}
	return configs, nil
}
