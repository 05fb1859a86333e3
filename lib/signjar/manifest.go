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

package signjar

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// See https://docs.oracle.com/javase/8/docs/technotes/guides/jar/jar.html#JAR_Manifest

const (
	metaInf      = "META-INF/"
	ManifestName = metaInf + "MANIFEST.MF"

	attrManifestVersion  = "Manifest-Version"
	attrSignatureVersion = "Signature-Version"
	attrCreatedBy        = "Created-By"
	attrName             = "Name"
	// AttrAndroidAPKSigned lists the APK signature schemes that were applied
	// after v1, so that stripping them can be detected
	AttrAndroidAPKSigned = "X-Android-APK-Signed"

	DefaultCreatedBy = "1.0 (Android)"
)

var ErrManifestLineEndings = errors.New("manifest has incorrect line ending sequence")

// Attribute is a single "Name: value" line of a manifest section
type Attribute struct {
	Name  string
	Value string
}

// Section is an ordered list of attributes. Lookups ignore case, as
// attribute names in JAR manifests are case-insensitive.
type Section []Attribute

func (s Section) Get(name string) string {
	for _, attr := range s {
		if strings.EqualFold(attr.Name, name) {
			return attr.Value
		}
	}
	return ""
}

// Set replaces the value of an existing attribute or appends a new one
func (s *Section) Set(name, value string) {
	for i, attr := range *s {
		if strings.EqualFold(attr.Name, name) {
			(*s)[i].Value = value
			return
		}
	}
	*s = append(*s, Attribute{Name: name, Value: value})
}

// Manifest is a parsed or generated META-INF/MANIFEST.MF
type Manifest struct {
	Main  Section
	Order []string
	Files map[string]Section
	// Contents is the serialized manifest
	Contents []byte
	// Sections holds the serialized bytes of each named section
	Sections map[string][]byte
}

func ParseManifest(manifest []byte) (*Manifest, error) {
	files, malformed, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	} else if malformed {
		return nil, ErrManifestLineEndings
	}
	return files, nil
}

func parseManifest(manifest []byte) (files *Manifest, malformed bool, err error) {
	sections, malformed := splitManifest(manifest)
	if len(sections) == 0 {
		return nil, false, errors.New("manifest has no sections")
	}
	files = &Manifest{
		Order:    make([]string, 0, len(sections)-1),
		Files:    make(map[string]Section, len(sections)-1),
		Contents: manifest,
		Sections: make(map[string][]byte, len(sections)-1),
	}
	for i, section := range sections {
		hdr, err := parseSection(section)
		if err != nil {
			return nil, false, err
		}
		if i == 0 {
			files.Main = hdr
			continue
		}
		name := hdr.Get(attrName)
		if name == "" {
			return nil, false, errors.New("manifest has section with no \"Name\" attribute")
		}
		if _, ok := files.Files[name]; ok {
			return nil, false, fmt.Errorf("manifest has duplicate section for %q", name)
		}
		files.Order = append(files.Order, name)
		files.Files[name] = hdr
		files.Sections[name] = section
	}
	return files, malformed, nil
}

func splitManifest(manifest []byte) ([][]byte, bool) {
	var malformed bool
	sections := make([][]byte, 0)
	for len(manifest) != 0 {
		i1 := bytes.Index(manifest, []byte("\r\n\r\n"))
		i2 := bytes.Index(manifest, []byte("\n\n"))
		var idx int
		switch {
		case i1 >= 0:
			idx = i1 + 4
		case i2 >= 0:
			idx = i2 + 2
		default:
			// If there is not a proper 2x line ending,
			// then it's technically not valid but we can sign it anyway
			// as long as it gets rewritten with correct endings.
			idx = len(manifest)
			malformed = true
		}
		section := manifest[:idx]
		manifest = manifest[idx:]
		if len(bytes.TrimSpace(section)) == 0 {
			// Excessive line endings have created an empty section
			malformed = true
			continue
		}
		sections = append(sections, section)
	}
	return sections, malformed
}

func parseSection(section []byte) (Section, error) {
	section = bytes.ReplaceAll(section, []byte("\r\n"), []byte{'\n'})
	section = bytes.ReplaceAll(section, []byte("\n "), []byte{})
	lines := bytes.Split(section, []byte{'\n'})
	var hdr Section
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexRune(line, ':')
		if idx < 0 {
			return nil, errors.New("jar manifest is malformed")
		}
		key := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		hdr.Set(key, value)
	}
	return hdr, nil
}

func hashSection(hash crypto.Hash, section []byte) string {
	d := hash.New()
	d.Write(section)
	return base64.StdEncoding.EncodeToString(d.Sum(nil))
}

const maxLineLength = 70

// Write a key-value pair, wrapping long lines as necessary
func writeAttribute(out *bytes.Buffer, key, value string) {
	line := []byte(fmt.Sprintf("%s: %s", key, value))
	for i := 0; i < len(line); {
		goal := maxLineLength
		if i != 0 {
			out.Write([]byte{' '})
			goal--
		}
		j := i + goal
		if j > len(line) {
			j = len(line)
		}
		out.Write(line[i:j])
		out.Write([]byte("\r\n"))
		i = j
	}
}

// Write a main section. The attribute named first leads and the rest follow
// sorted by name.
func writeSection(out *bytes.Buffer, hdr Section, first string) {
	if value := hdr.Get(first); value != "" {
		writeAttribute(out, first, value)
	}
	rest := make(Section, 0, len(hdr))
	for _, attr := range hdr {
		if !strings.EqualFold(attr.Name, first) {
			rest = append(rest, attr)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	for _, attr := range rest {
		writeAttribute(out, attr.Name, attr.Value)
	}
	out.Write([]byte("\r\n"))
}
