package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentclaw/truestream/internal/apperr"
)

const sampleHex = "0123456789abcdef0123456789abcdef01234567"

func TestInfoHash_Magnet(t *testing.T) {
	t.Parallel()

	upper := strings.ToUpper(sampleHex)
	got, err := InfoHash("magnet:?xt=urn:btih:" + upper + "&dn=Some+Movie")
	require.NoError(t, err)
	assert.Equal(t, sampleHex, got)
}

func TestInfoHash_Base32Magnet(t *testing.T) {
	t.Parallel()

	raw, err := hex.DecodeString(sampleHex)
	require.NoError(t, err)
	b32 := base32.StdEncoding.EncodeToString(raw)
	require.Len(t, b32, 32)

	got, err := InfoHash("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.Equal(t, sampleHex, got)

	got, err = InfoHash(strings.ToLower(b32))
	require.NoError(t, err)
	assert.Equal(t, sampleHex, got)
}

func TestInfoHash_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"   ",
		"not-a-hash",
		"magnet:?dn=missing-xt",
		"zz23456789abcdef0123456789abcdef01234567",
	} {
		_, err := InfoHash(in)
		require.Error(t, err, in)
		assert.Equal(t, apperr.InvalidIdentifier, apperr.KindOf(err), in)
	}
}

func TestResolve_BareHashGetsTrackers(t *testing.T) {
	t.Parallel()

	uri, hash, err := Resolve(strings.ToUpper(sampleHex))
	require.NoError(t, err)
	assert.Equal(t, sampleHex, hash)
	assert.True(t, strings.HasPrefix(uri, "magnet:?xt=urn:btih:"+sampleHex))
	assert.Contains(t, uri, "tr=udp%3A%2F%2Ftracker.opentrackr.org")
}

func TestResolve_KeepsMagnet(t *testing.T) {
	t.Parallel()

	in := "magnet:?xt=urn:btih:" + sampleHex + "&dn=x"
	uri, hash, err := Resolve(in)
	require.NoError(t, err)
	assert.Equal(t, in, uri)
	assert.Equal(t, sampleHex, hash)
}

func TestFromTorrentFile(t *testing.T) {
	t.Parallel()

	info := metainfo.Info{
		Name:        "movie.mkv",
		PieceLength: 16 * 1024,
		Length:      16 * 1024,
		Pieces:      make([]byte, 20),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}

	path := filepath.Join(t.TempDir(), "movie.torrent")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, mi.Write(f))
	require.NoError(t, f.Close())

	uri, hash, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, mi.HashInfoBytes().HexString(), hash)
	assert.Contains(t, uri, "urn:btih:"+hash)
}

func TestTorrentFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Movie.TORRENT")
	require.NoError(t, os.WriteFile(path, []byte("d4:infode"), 0o644))

	got, ok := TorrentFile("  " + path + " ")
	assert.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = TorrentFile(filepath.Join(t.TempDir(), "missing.torrent"))
	assert.False(t, ok)
	_, ok = TorrentFile(sampleHex)
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal(sampleHex, strings.ToUpper(sampleHex)))
	assert.False(t, Equal(sampleHex, "ff"+sampleHex[2:]))
}
