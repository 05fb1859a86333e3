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
	"encoding/asn1"
	"errors"
	"fmt"
)

type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

type AttributeList []Attribute

type ErrNoAttribute struct {
	ID asn1.ObjectIdentifier
}

func (e ErrNoAttribute) Error() string {
	return fmt.Sprintf("attribute not found: %s", e.ID)
}

// Exists returns true if any attribute with the given OID is present
func (l AttributeList) Exists(oid asn1.ObjectIdentifier) bool {
	for _, attr := range l {
		if attr.Type.Equal(oid) {
			return true
		}
	}
	return false
}

// Add marshals value and appends it to the values of the attribute with the
// given OID, creating the attribute if needed
func (l *AttributeList) Add(oid asn1.ObjectIdentifier, value interface{}) error {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return err
	}
	for i, attr := range *l {
		if attr.Type.Equal(oid) {
			values := append(append([]byte(nil), attr.Values.Bytes...), encoded...)
			(*l)[i].Values = setOf(values)
			return nil
		}
	}
	*l = append(*l, Attribute{Type: oid, Values: setOf(encoded)})
	return nil
}

func setOf(contents []byte) asn1.RawValue {
	return asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      contents,
	}
}

// GetOne unmarshals the single value of the attribute with the given OID
func (l AttributeList) GetOne(oid asn1.ObjectIdentifier, dest interface{}) error {
	for _, attr := range l {
		if !attr.Type.Equal(oid) {
			continue
		}
		rest, err := asn1.Unmarshal(attr.Values.Bytes, dest)
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return errors.New("attribute has more than one value")
		}
		return nil
	}
	return ErrNoAttribute{oid}
}

// GetAll unmarshals every value of the attribute with the given OID into
// dest, which must be a pointer to a slice
func (l AttributeList) GetAll(oid asn1.ObjectIdentifier, dest interface{}) error {
	for _, attr := range l {
		if !attr.Type.Equal(oid) {
			continue
		}
		// re-tag the values as a SEQUENCE OF so they unmarshal into a slice
		seq, err := asn1.Marshal(asn1.RawValue{
			Class:      asn1.ClassUniversal,
			Tag:        asn1.TagSequence,
			IsCompound: true,
			Bytes:      attr.Values.Bytes,
		})
		if err != nil {
			return err
		}
		_, err = asn1.Unmarshal(seq, dest)
		return err
	}
	return ErrNoAttribute{oid}
}

// Bytes returns the encoding that the signature covers when authenticated
// attributes are present. It carries an explicit SET OF tag in place of the
// implicit [0] used inside SignerInfo (RFC 2315 9.3).
func (l AttributeList) Bytes() ([]byte, error) {
	return marshalUnsortedSet(l)
}

func marshalUnsortedSet(l AttributeList) ([]byte, error) {
	var contents []byte
	for _, attr := range l {
		encoded, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		contents = append(contents, encoded...)
	}
	return asn1.Marshal(setOf(contents))
}
