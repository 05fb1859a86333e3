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
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrNoSupportedSignatures = errors.New("no supported signatures")

// Signature is a signature value paired with the algorithm that produced it
type Signature struct {
	Algorithm *Algorithm
	Value     []byte
}

// SelectSignatures picks, for every platform version in [minSdk, maxSdk], the
// signature a device of that version would check: the one with the strongest
// algorithm it supports. Algorithms are assumed to stay supported once
// introduced. The result is sorted by algorithm ID.
func SelectSignatures(sigs []Signature, minSdk, maxSdk int) ([]Signature, error) {
	best := make(map[int]Signature)
	minProvided := math.MaxInt32
	for _, sig := range sigs {
		sigMin := sig.Algorithm.MinSdkVersion
		if sigMin > maxSdk {
			continue
		}
		if sigMin < minProvided {
			minProvided = sigMin
		}
		candidate, ok := best[sigMin]
		if !ok || Compare(sig.Algorithm, candidate.Algorithm) > 0 {
			best[sigMin] = sig
		}
	}
	if len(best) == 0 {
		return nil, ErrNoSupportedSignatures
	}
	if minSdk < minProvided {
		return nil, fmt.Errorf("%w: minimum provided signature version %d > minSdkVersion %d", ErrNoSupportedSignatures, minProvided, minSdk)
	}
	selected := make([]Signature, 0, len(best))
	for _, sig := range best {
		selected = append(selected, sig)
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Algorithm.ID < selected[j].Algorithm.ID
	})
	return selected, nil
}

// MinSdkFromAlgorithms returns the lowest platform version on which at least
// one of algs verifies, stopping early once an algorithm reaches minSdk or
// the v3 floor
func MinSdkFromAlgorithms(algs []*Algorithm, minSdk int) int {
	lowest := math.MaxInt32
	for _, alg := range algs {
		current := alg.MinSdkVersion
		if current < lowest {
			if current <= minSdk || current <= P {
				return current
			}
			lowest = current
		}
	}
	return lowest
}
