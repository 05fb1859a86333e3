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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	t.Run("Full", func(t *testing.T) {
		const manifest = `Manifest-Version: 1.0
Built-By: nobody
Long-Header-Line: 0123456789abcdef0123456789abcdef0123456789abcdef
 0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef
 0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef

Name: foo
Ham: spam
Eggs: bacon

`
		main := Section{
			{"Manifest-Version", "1.0"},
			{"Built-By", "nobody"},
			{"Long-Header-Line", "0123456789abcdef0123456789abcdef" +
				"0123456789abcdef0123456789abcdef0123456789abcdef" +
				"0123456789abcdef0123456789abcdef0123456789abcdef" +
				"0123456789abcdef0123456789abcdef0123456789abcdef"},
		}
		file := Section{
			{"Name", "foo"},
			{"Ham", "spam"},
			{"Eggs", "bacon"},
		}
		for _, m := range []string{manifest, strings.ReplaceAll(manifest, "\n", "\r\n")} {
			parsed, err := ParseManifest([]byte(m))
			require.NoError(t, err)
			assert.Equal(t, main, parsed.Main)
			assert.Equal(t, []string{"foo"}, parsed.Order)
			assert.Equal(t, file, parsed.Files["foo"])
			assert.True(t, bytes.HasPrefix(parsed.Sections["foo"], []byte("Name: foo")))
			assert.Equal(t, []byte(m), parsed.Contents)
		}
	})
	t.Run("CaseInsensitive", func(t *testing.T) {
		parsed, err := ParseManifest([]byte("manifest-version: 1.0\n\nname: foo\nsha-256-digest: AAAA\n\n"))
		require.NoError(t, err)
		assert.Equal(t, "1.0", parsed.Main.Get("Manifest-Version"))
		assert.Equal(t, "AAAA", parsed.Files["foo"].Get(SHA256.ManifestAttr()))
	})
	t.Run("TruncatedMain", func(t *testing.T) {
		const manifest = "Manifest-Version: 1.0\n"
		_, err := ParseManifest([]byte(manifest))
		require.ErrorIs(t, err, ErrManifestLineEndings)
		parsed, malformed, err := parseManifest([]byte(manifest))
		require.NoError(t, err)
		assert.True(t, malformed)
		assert.Equal(t, Section{{"Manifest-Version", "1.0"}}, parsed.Main)
		assert.Empty(t, parsed.Order)
	})
	t.Run("TruncatedFile", func(t *testing.T) {
		const manifest = "Manifest-Version: 1.0\n\nName: foo\n"
		_, err := ParseManifest([]byte(manifest))
		require.ErrorIs(t, err, ErrManifestLineEndings)
		parsed, malformed, err := parseManifest([]byte(manifest))
		require.NoError(t, err)
		assert.True(t, malformed)
		assert.Equal(t, []string{"foo"}, parsed.Order)
		assert.Equal(t, Section{{"Name", "foo"}}, parsed.Files["foo"])
	})
	t.Run("TrailingWhitespace", func(t *testing.T) {
		const manifest = "Manifest-Version: 1.0\n\nName: foo\n\n\n"
		_, err := ParseManifest([]byte(manifest))
		require.ErrorIs(t, err, ErrManifestLineEndings)
		parsed, malformed, err := parseManifest([]byte(manifest))
		require.NoError(t, err)
		assert.True(t, malformed)
		assert.Equal(t, []string{"foo"}, parsed.Order)
	})
	t.Run("InvalidNoName", func(t *testing.T) {
		const manifest = "Manifest-Version: 1.0\n\nFoo: bar\n\n"
		_, err := ParseManifest([]byte(manifest))
		require.Error(t, err)
	})
	t.Run("Duplicate", func(t *testing.T) {
		const manifest = "Manifest-Version: 1.0\n\nName: foo\n\nName: foo\n\n"
		_, err := ParseManifest([]byte(manifest))
		require.Error(t, err)
	})
}

func TestWriteSection(t *testing.T) {
	t.Parallel()
	main := Section{
		{"D", "D"},
		{"Manifest-Version", "1.0"},
		{"C", "C"},
		{"B", "B"},
		{"A", "A"},
		{"Long-Header", strings.Repeat("0123456789abcdef", 10)},
	}
	var out bytes.Buffer
	writeSection(&out, main, "Manifest-Version")
	expected := `Manifest-Version: 1.0
A: A
B: B
C: C
D: D
Long-Header: 0123456789abcdef0123456789abcdef0123456789abcdef012345678
 9abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd
 ef0123456789abcdef0123456789abcdef

`
	expected = strings.ReplaceAll(expected, "\n", "\r\n")
	assert.Equal(t, expected, out.String())
}
