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

package lineage

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

const (
	// Version of the encoded lineage
	Version = 1
	// ProofOfRotationAttrID is the v3 signed data attribute carrying the
	// encoded lineage
	ProofOfRotationAttrID = 0x3ba06f8c
	// FileMagic starts a standalone lineage file
	FileMagic = 0x3eff39d1
)

// node layout: lp(lp(cert) || u32 parentAlg) || u32 flags || u32 alg || lp(sig)
type encodedNode struct {
	SignedData apkblock.Raw
	Flags      uint32
	Algorithm  uint32
	Signature  []byte
}

type encodedSignedData struct {
	Certificate     []byte
	ParentAlgorithm uint32
}

func encodeSignedData(certDER []byte, parentAlg uint32) []byte {
	raw, _ := apkblock.Marshal(encodedSignedData{Certificate: certDER, ParentAlgorithm: parentAlg})
	return raw.Bytes()
}

func algID(alg *sigalg.Algorithm) uint32 {
	if alg == nil {
		return 0
	}
	return alg.ID
}

// Encode serializes the lineage in the form used by the v3 proof-of-rotation
// attribute
func (l *Lineage) Encode() ([]byte, error) {
	if len(l.Nodes) == 0 {
		return nil, ErrEmptyLineage
	}
	items := make([][]byte, len(l.Nodes))
	for i, n := range l.Nodes {
		raw, err := apkblock.Marshal(encodedNode{
			SignedData: apkblock.AppendLengthPrefixed(nil, encodeSignedData(n.Certificate.Raw, algID(n.ParentAlgorithm))),
			Flags:      uint32(n.Flags),
			Algorithm:  algID(n.Algorithm),
			Signature:  n.Signature,
		})
		if err != nil {
			return nil, err
		}
		items[i] = raw.Bytes()
	}
	buf := apkblock.AppendUint32(nil, Version)
	return append(buf, apkblock.EncodeSequence(items)...), nil
}

func optionalAlg(id uint32) (*sigalg.Algorithm, error) {
	if id == 0 {
		return nil, nil
	}
	return sigalg.ByID(id)
}

// Decode parses an encoded lineage and verifies that every node is signed by
// its predecessor
func Decode(data []byte) (*Lineage, error) {
	r := apkblock.NewReader("signing certificate lineage", data)
	version, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, sigerrors.FormatError{Field: "signing certificate lineage", Msg: fmt.Sprintf("unsupported version %d", version)}
	}
	items, err := r.Sequence()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyLineage
	}
	l := &Lineage{MinSdkVersion: sigalg.P}
	var prev *Node
	var prevAlg uint32
	for i, item := range items {
		index := i + 1
		var en encodedNode
		if err := apkblock.Unmarshal(apkblock.AppendLengthPrefixed(nil, item), &en); err != nil {
			return nil, err
		}
		signed := en.SignedData.Bytes()
		var sd encodedSignedData
		if err := apkblock.Unmarshal(en.SignedData, &sd); err != nil {
			return nil, err
		}
		if prev != nil {
			if sd.ParentAlgorithm != prevAlg {
				return nil, sigerrors.FormatError{Field: "signing certificate lineage", Index: index, Msg: fmt.Sprintf("signing algorithm ID mismatch: 0x%04x != 0x%04x", sd.ParentAlgorithm, prevAlg)}
			}
			alg, err := sigalg.ByID(prevAlg)
			if err != nil {
				return nil, fmt.Errorf("lineage certificate #%d: %w", index, err)
			}
			if err := alg.Verify(prev.Certificate.PublicKey, signed, en.Signature); err != nil {
				return nil, fmt.Errorf("lineage certificate #%d: %w", index, err)
			}
		}
		cert, err := x509.ParseCertificate(sd.Certificate)
		if err != nil {
			return nil, fmt.Errorf("lineage certificate #%d: %w", index, err)
		}
		if l.Contains(cert) {
			return nil, sigerrors.FormatError{Field: "signing certificate lineage", Index: index, Msg: "duplicate certificate; all signing certificates must be unique"}
		}
		parentAlg, err := optionalAlg(sd.ParentAlgorithm)
		if err != nil {
			return nil, err
		}
		nodeAlg, err := optionalAlg(en.Algorithm)
		if err != nil {
			return nil, err
		}
		node := &Node{
			Certificate:     cert,
			ParentAlgorithm: parentAlg,
			Algorithm:       nodeAlg,
			Signature:       en.Signature,
			Flags:           Capabilities(en.Flags),
		}
		l.Nodes = append(l.Nodes, node)
		prev = node
		prevAlg = en.Algorithm
	}
	return l, nil
}

// Bytes returns the lineage in standalone file form
func (l *Lineage) Bytes() ([]byte, error) {
	encoded, err := l.Encode()
	if err != nil {
		return nil, err
	}
	buf := binary.LittleEndian.AppendUint32(nil, FileMagic)
	return append(buf, encoded...), nil
}

// Parse reads a standalone lineage file
func Parse(blob []byte) (*Lineage, error) {
	if len(blob) < 4 || binary.LittleEndian.Uint32(blob) != FileMagic {
		return nil, sigerrors.FormatError{Field: "lineage file", Msg: "bad magic"}
	}
	return Decode(blob[4:])
}

func ReadFile(path string) (*Lineage, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(blob)
}

func (l *Lineage) WriteFile(path string) error {
	blob, err := l.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0644)
}
