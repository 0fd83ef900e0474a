// Package credential turns a session's persisted credential blob into a
// portable session string and composes the messages that deliver it.
//
// A session string is the brand prefix followed by the standard base64
// encoding of the credential file, for example:
//
//	PAIRCODE>>>eyJub2lzZUtleSI6...
//
// Unpack reverses Package exactly.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Separator ends the brand part of a session string prefix.
const Separator = ">>>"

// ErrMissingPrefix is returned by Unpack for a string without the expected
// prefix.
var ErrMissingPrefix = errors.New("session string does not carry the expected prefix")

// Packager encodes credential blobs as prefixed session strings.
type Packager struct {
	prefix string
}

// NewPackager returns a Packager for brand. The prefix is brand followed by
// Separator unless brand already ends with it.
func NewPackager(brand string) *Packager {
	prefix := brand
	if !strings.HasSuffix(prefix, Separator) {
		prefix += Separator
	}
	return &Packager{prefix: prefix}
}

func (p *Packager) Prefix() string { return p.prefix }

// Package returns the session string for blob.
func (p *Packager) Package(blob []byte) string {
	return p.prefix + base64.StdEncoding.EncodeToString(blob)
}

// PackageFile reads the credential file at path and packages its bytes.
func (p *Packager) PackageFile(path string) (string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return p.Package(blob), nil
}

// Unpack strips the prefix from s and decodes the credential blob.
// Surrounding whitespace and code fences are ignored.
func (p *Packager) Unpack(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`")

	encoded, ok := strings.CutPrefix(s, p.prefix)
	if !ok {
		return nil, ErrMissingPrefix
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session string: %w", err)
	}
	return blob, nil
}
