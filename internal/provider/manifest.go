package provider

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

// Manifest maps artifact filenames to their declared hex SHA-256 digests,
// as published in a SHA256SUMS file.
type Manifest map[string]string

// ParseManifest parses SHA256SUMS content. Each line is
// "<64 hex chars><whitespace><filename>"; blank lines are ignored.
func ParseManifest(data []byte) (Manifest, error) {
	m := make(Manifest)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Mark(errors.Newf("malformed checksum manifest at line %d", lineNo), errcode.ErrIntegrity)
		}
		digest := strings.ToLower(fields[0])
		if len(digest) != hex.EncodedLen(32) {
			return nil, errors.Mark(errors.Newf("invalid digest length at line %d", lineNo), errcode.ErrIntegrity)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid digest at line %d", lineNo), errcode.ErrIntegrity)
		}
		m[fields[1]] = digest
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading checksum manifest")
	}
	if len(m) == 0 {
		return nil, errors.Mark(errors.New("empty checksum manifest"), errcode.ErrIntegrity)
	}
	return m, nil
}

// Digest returns the declared digest for filename, or "" if absent.
func (m Manifest) Digest(filename string) string {
	return m[filename]
}
