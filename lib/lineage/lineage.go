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

// Package lineage implements the signing certificate lineage used by APK
// Signature Scheme v3 to prove a chain of key rotations. Each node after the
// first is signed by the key of the node before it.
package lineage

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/lib/sigalg"
)

// Capabilities granted to a past signing certificate by its successors
type Capabilities uint32

const (
	InstalledData Capabilities = 1 << iota
	SharedUID
	Permission
	Rollback
	Auth

	DefaultCapabilities = InstalledData | SharedUID | Permission | Auth
)

var (
	ErrCertNotInLineage = errors.New("certificate not found in signing certificate lineage")
	ErrEmptyLineage     = errors.New("signing certificate lineage is empty")
)

// Node is one certificate in the rotation history
type Node struct {
	Certificate *x509.Certificate
	// ParentAlgorithm is the algorithm the previous node's key used to sign
	// this node, nil for the first node
	ParentAlgorithm *sigalg.Algorithm
	// Algorithm is the algorithm this node's key used to sign the next node,
	// nil for the last node
	Algorithm *sigalg.Algorithm
	// Signature over this node's signed data by the previous node's key
	Signature []byte
	Flags     Capabilities
}

// Lineage is an ordered rotation history, oldest certificate first
type Lineage struct {
	MinSdkVersion int
	Nodes         []*Node
}

// Signer is a key along with its certificate
type Signer struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// New starts a lineage whose only member is the given certificate
func New(root *x509.Certificate, flags Capabilities) *Lineage {
	return &Lineage{
		MinSdkVersion: sigalg.P,
		Nodes:         []*Node{{Certificate: root, Flags: flags}},
	}
}

// Spawn returns a new lineage extended by child, signed by parent. The parent
// must be the current last certificate.
func (l *Lineage) Spawn(parent Signer, child *x509.Certificate, flags Capabilities) (*Lineage, error) {
	if len(l.Nodes) == 0 {
		return nil, ErrEmptyLineage
	}
	last := l.Nodes[len(l.Nodes)-1]
	if !last.Certificate.Equal(parent.Certificate) {
		return nil, errors.New("parent certificate is not the last certificate in the lineage")
	}
	if l.Contains(child) {
		return nil, errors.New("certificate is already present in the lineage")
	}
	algs, err := sigalg.Suggested(parent.Certificate.PublicKey, l.MinSdkVersion, false)
	if err != nil {
		return nil, err
	}
	alg := algs[0]
	signed := encodeSignedData(child.Raw, alg.ID)
	sig, err := alg.Sign(parent.Key, parent.Certificate.PublicKey, signed)
	if err != nil {
		return nil, fmt.Errorf("signing lineage node: %w", err)
	}
	nodes := make([]*Node, 0, len(l.Nodes)+1)
	nodes = append(nodes, l.Nodes[:len(l.Nodes)-1]...)
	updated := *last
	updated.Algorithm = alg
	nodes = append(nodes, &updated, &Node{
		Certificate:     child,
		ParentAlgorithm: alg,
		Signature:       sig,
		Flags:           flags,
	})
	return &Lineage{MinSdkVersion: l.MinSdkVersion, Nodes: nodes}, nil
}

func (l *Lineage) Len() int {
	return len(l.Nodes)
}

// Index returns the position of cert in the lineage or -1
func (l *Lineage) Index(cert *x509.Certificate) int {
	for i, n := range l.Nodes {
		if n.Certificate.Equal(cert) {
			return i
		}
	}
	return -1
}

func (l *Lineage) Contains(cert *x509.Certificate) bool {
	return l.Index(cert) >= 0
}

// Certificates returns the certificates of the lineage, oldest first
func (l *Lineage) Certificates() []*x509.Certificate {
	certs := make([]*x509.Certificate, len(l.Nodes))
	for i, n := range l.Nodes {
		certs[i] = n.Certificate
	}
	return certs
}

// SubLineage returns the prefix of the lineage ending at cert
func (l *Lineage) SubLineage(cert *x509.Certificate) (*Lineage, error) {
	i := l.Index(cert)
	if i < 0 {
		return nil, ErrCertNotInLineage
	}
	nodes := make([]*Node, i+1)
	copy(nodes, l.Nodes)
	return &Lineage{MinSdkVersion: l.MinSdkVersion, Nodes: nodes}, nil
}

// SortSigners returns the order in which to arrange certs so they follow the
// lineage from oldest to newest. Every certificate must be in the lineage
// exactly once and the newest must be the lineage's last certificate.
func (l *Lineage) SortSigners(certs []*x509.Certificate) ([]int, error) {
	if len(l.Nodes) == 0 {
		return nil, ErrEmptyLineage
	}
	positions := make(map[int]int, len(certs))
	for i, cert := range certs {
		pos := l.Index(cert)
		if pos < 0 {
			return nil, fmt.Errorf("signer %d: %w", i, ErrCertNotInLineage)
		}
		if prev, ok := positions[pos]; ok {
			return nil, fmt.Errorf("signers %d and %d use the same certificate", prev, i)
		}
		positions[pos] = i
	}
	order := make([]int, 0, len(certs))
	for pos := range l.Nodes {
		if i, ok := positions[pos]; ok {
			order = append(order, i)
		}
	}
	if _, ok := positions[len(l.Nodes)-1]; !ok {
		return nil, errors.New("newest signer is not the last certificate in the signing certificate lineage")
	}
	return order, nil
}
