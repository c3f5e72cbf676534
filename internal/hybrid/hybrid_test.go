package hybrid

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/engine/enginetest"
)

const hash = "abcd00000000000000000000000000000000ef12"

func members() (*enginetest.Backend, *enginetest.Backend) {
	swarm := enginetest.New(engine.KindSwarm)
	daemon := enginetest.New(engine.KindDaemon)
	for _, b := range []*enginetest.Backend{swarm, daemon} {
		b.AddFixture(engine.Torrent{
			Hash:  hash,
			Name:  "Show",
			Files: []engine.File{{Path: "Show/e01.mkv", Name: "e01.mkv"}},
		}, map[int][]byte{0: []byte("0123456789")})
	}
	return swarm, daemon
}

func TestScore(t *testing.T) {
	swarm := engine.Stats{DownloadSpeed: 500 * 1024, Peers: 3}
	daemon := engine.Stats{DownloadSpeed: 200 * 1024, Peers: 10}

	assert.EqualValues(t, 515000, Score(swarm, DefaultPeerWeight))
	assert.EqualValues(t, 214800, Score(daemon, DefaultPeerWeight))
}

func TestBackend_StreamPicksBestScore(t *testing.T) {
	tests := []struct {
		name      string
		swarm     *engine.Stats
		daemon    *engine.Stats
		wantSwarm bool
	}{
		{
			name:      "throughput beats peer count",
			swarm:     &engine.Stats{DownloadSpeed: 500 * 1024, Peers: 3},
			daemon:    &engine.Stats{DownloadSpeed: 200 * 1024, Peers: 10},
			wantSwarm: true,
		},
		{
			name:   "daemon faster",
			swarm:  &engine.Stats{DownloadSpeed: 100 * 1024, Peers: 3},
			daemon: &engine.Stats{DownloadSpeed: 600 * 1024, Peers: 10},
		},
		{
			name:      "tie favors first",
			swarm:     &engine.Stats{DownloadSpeed: 1000, Peers: 1},
			daemon:    &engine.Stats{DownloadSpeed: 2000},
			wantSwarm: true,
		},
		{
			name:   "only daemon has stats",
			daemon: &engine.Stats{},
		},
		{
			name:      "no stats falls back to first",
			wantSwarm: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			swarm, daemon := members()
			if tt.swarm != nil {
				swarm.SetStats(hash, *tt.swarm)
			}
			if tt.daemon != nil {
				daemon.SetStats(hash, *tt.daemon)
			}
			b := New(0, nil, swarm, daemon)
			ctx := context.Background()
			require.NoError(t, b.StartEngine(ctx, 1))

			_, err := b.AddTorrent(ctx, hash)
			require.NoError(t, err)
			// Both acquisitions finish; the fakes answer immediately.
			require.Eventually(t, func() bool {
				return len(swarm.Torrents()) == 1 && len(daemon.Torrents()) == 1
			}, time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool {
				e, _ := b.registry.Get(hash)
				return e.has(0) && e.has(1)
			}, time.Second, 5*time.Millisecond)

			s, err := b.GetFileStream(ctx, hash, 0, &engine.ByteRange{Start: 2, End: -1})
			require.NoError(t, err)
			data, _ := io.ReadAll(s)
			s.Close()
			assert.Equal(t, "23456789", string(data))

			if tt.wantSwarm {
				assert.Len(t, swarm.StreamCalls, 1)
				assert.Empty(t, daemon.StreamCalls)
			} else {
				assert.Empty(t, swarm.StreamCalls)
				assert.Len(t, daemon.StreamCalls, 1)
			}
		})
	}
}

func TestBackend_GetStatsReportsWinner(t *testing.T) {
	swarm, daemon := members()
	swarm.SetStats(hash, engine.Stats{DownloadSpeed: 10, Peers: 1})
	daemon.SetStats(hash, engine.Stats{DownloadSpeed: 10, Peers: 5})
	b := New(0, nil, swarm, daemon)
	ctx := context.Background()

	_, err := b.AddTorrent(ctx, hash)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, _ := b.registry.Get(hash)
		return e.has(0) && e.has(1)
	}, time.Second, 5*time.Millisecond)

	st, err := b.GetStats(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Peers)
}

func TestBackend_AddFirstSuccessWins(t *testing.T) {
	swarm, daemon := members()
	swarm.AddDelay = 150 * time.Millisecond
	b := New(0, nil, swarm, daemon)

	start := time.Now()
	tor, err := b.AddTorrent(context.Background(), "magnet:?xt=urn:btih:"+hash)
	require.NoError(t, err)
	assert.Equal(t, "Show", tor.Name)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// The slower acquisition still completes in the background.
	assert.Eventually(t, func() bool { return len(swarm.Torrents()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackend_AddOneFailure(t *testing.T) {
	swarm, daemon := members()
	swarm.AddErr = apperr.New(apperr.AcquisitionTimeout, "no metadata")
	b := New(0, nil, swarm, daemon)

	tor, err := b.AddTorrent(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, tor.Hash)

	_, err = b.GetFile(context.Background(), hash, 0)
	assert.NoError(t, err)
}

func TestBackend_AddBothFail(t *testing.T) {
	swarm, daemon := members()
	swarm.AddErr = apperr.New(apperr.AcquisitionTimeout, "no metadata")
	daemon.AddErr = apperr.New(apperr.AcquisitionTimeout, "no metadata")
	b := New(0, nil, swarm, daemon)

	_, err := b.AddTorrent(context.Background(), hash)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.AcquisitionTimeout))

	_, err = b.GetStats(context.Background(), hash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestBackend_AddInvalid(t *testing.T) {
	swarm, daemon := members()
	b := New(0, nil, swarm, daemon)

	_, err := b.AddTorrent(context.Background(), "magnet:?dn=nothing")
	assert.True(t, apperr.IsKind(err, apperr.InvalidIdentifier))
	assert.Zero(t, swarm.AddCalls)
	assert.Zero(t, daemon.AddCalls)
}

func TestBackend_StartNeedsOneMember(t *testing.T) {
	swarm, daemon := members()
	swarm.StartErr = errors.New("port in use")
	b := New(0, nil, swarm, daemon)
	require.NoError(t, b.StartEngine(context.Background(), 2))
	st := b.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Instances)
	assert.Equal(t, engine.KindHybrid, st.Kind)

	swarm, daemon = members()
	swarm.StartErr = errors.New("port in use")
	daemon.StartErr = errors.New("no binary")
	b = New(0, nil, swarm, daemon)
	err := b.StartEngine(context.Background(), 1)
	assert.True(t, apperr.IsKind(err, apperr.ServiceUnreachable))
}

func TestBackend_RemoveIsBestEffort(t *testing.T) {
	swarm, daemon := members()
	b := New(0, nil, swarm, daemon)
	ctx := context.Background()

	_, err := b.AddTorrent(ctx, hash)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(swarm.Torrents()) == 1 && len(daemon.Torrents()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, b.Torrents(), 1)

	// The daemon lost the torrent on its own; removal still succeeds.
	require.NoError(t, daemon.RemoveTorrent(ctx, hash))
	require.NoError(t, b.RemoveTorrent(ctx, hash))
	assert.Empty(t, swarm.Torrents())

	err = b.RemoveTorrent(ctx, hash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestBackend_Stop(t *testing.T) {
	swarm, daemon := members()
	b := New(0, nil, swarm, daemon)
	ctx := context.Background()
	require.NoError(t, b.StartEngine(ctx, 1))
	_, err := b.AddTorrent(ctx, hash)
	require.NoError(t, err)

	require.NoError(t, b.Stop(ctx))
	assert.True(t, swarm.Stopped())
	assert.True(t, daemon.Stopped())
	assert.False(t, b.Status().Running)
	assert.Equal(t, 0, b.registry.Len())
}
