// Package magnet extracts and normalizes BitTorrent content hashes.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/torrentclaw/truestream/internal/apperr"
)

// Public trackers appended to magnets built from a bare hash.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://exodus.desync.com:6969/announce",
}

// InfoHash parses a content hash out of a magnet URI or a bare 40-hex /
// 32-base32 hash and returns it as lowercase hex.
func InfoHash(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", apperr.New(apperr.InvalidIdentifier, "empty identifier")
	}

	if strings.HasPrefix(strings.ToLower(input), "magnet:") {
		m, err := metainfo.ParseMagnetUri(input)
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidIdentifier, err, "invalid magnet link")
		}
		return m.InfoHash.HexString(), nil
	}

	return Normalize(input)
}

// Normalize validates a bare hash in either encoding and returns lowercase hex.
func Normalize(h string) (string, error) {
	h = strings.TrimSpace(h)
	switch len(h) {
	case 40:
		b, err := hex.DecodeString(h)
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidIdentifier, err, "invalid hex info hash")
		}
		return hex.EncodeToString(b), nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(h))
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidIdentifier, err, "invalid base32 info hash")
		}
		return hex.EncodeToString(b), nil
	default:
		return "", apperr.New(apperr.InvalidIdentifier, "info hash must be 40 hex or 32 base32 characters, got %d", len(h))
	}
}

// Resolve accepts a magnet URI, a bare hash or a path to a .torrent file and
// returns a magnet URI together with its normalized hash. Bare hashes get the
// default tracker list.
func Resolve(input string) (uri, hash string, err error) {
	input = strings.TrimSpace(input)

	if path, ok := TorrentFile(input); ok {
		return FromTorrentFile(path)
	}

	hash, err = InfoHash(input)
	if err != nil {
		return "", "", err
	}
	if strings.HasPrefix(strings.ToLower(input), "magnet:") {
		return input, hash, nil
	}
	return Build(hash), hash, nil
}

// TorrentFile reports whether input names an existing .torrent file.
func TorrentFile(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasSuffix(strings.ToLower(input), ".torrent") {
		return "", false
	}
	if _, err := os.Stat(input); err != nil {
		return "", false
	}
	return input, true
}

// FromTorrentFile reads a .torrent file and returns its magnet URI and hash.
func FromTorrentFile(path string) (uri, hash string, err error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return "", "", apperr.Wrap(apperr.InvalidIdentifier, err, fmt.Sprintf("read %s", filepath.Base(path)))
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", "", apperr.Wrap(apperr.InvalidIdentifier, err, fmt.Sprintf("parse %s", filepath.Base(path)))
	}
	h := mi.HashInfoBytes()
	m := mi.Magnet(&h, &info)
	return m.String(), h.HexString(), nil
}

// Build returns a magnet URI for a hex hash with the default trackers.
func Build(infoHash string) string {
	params := []string{"xt=urn:btih:" + infoHash}
	for _, tracker := range defaultTrackers {
		params = append(params, "tr="+url.QueryEscape(tracker))
	}
	return "magnet:?" + strings.Join(params, "&")
}

// Equal compares two hashes case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}
