package gocbcorex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	endpoints []string
	blobs     map[string][]byte
	errs      map[string]error
	calls     int32
}

func (f *fakeFetcher) Endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endpoints...)
}

func (f *fakeFetcher) FetchClusterConfig(ctx context.Context, endpointID string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[endpointID]; ok {
		return nil, err
	}
	return f.blobs[endpointID], nil
}

func terseBlob(t *testing.T, rev, revEpoch int64) []byte {
	t.Helper()
	return []byte(`{"rev":` + itoa(rev) + `,"revEpoch":` + itoa(revEpoch) + `,"name":"default","uuid":"abc",` +
		`"vBucketServerMap":{"numReplicas":1,"vBucketMap":[[0]],"serverList":["10.0.0.1:11210"]},` +
		`"nodesExt":[{"hostname":"10.0.0.1","services":{"kv":11210}}]}`)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestConfigManagerAcceptsFirstConfig(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	require.Nil(t, cm.LatestConfig())

	cfg, err := ParseTerseConfig(terseBlob(t, 1, 0), "10.0.0.1")
	require.NoError(t, err)

	accepted := cm.tryAccept(cfg)
	assert.True(t, accepted)
	assert.Equal(t, cfg, cm.LatestConfig())
}

func TestConfigManagerRejectsStaleVersion(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})

	newer, err := ParseTerseConfig(terseBlob(t, 5, 0), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, cm.tryAccept(newer))

	older, err := ParseTerseConfig(terseBlob(t, 2, 0), "10.0.0.1")
	require.NoError(t, err)

	accepted := cm.tryAccept(older)
	assert.False(t, accepted)
	assert.Equal(t, newer, cm.LatestConfig())
}

func TestConfigManagerBucketTakeoverBypassesVersionOrder(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})

	cfg1, err := ParseTerseConfig(terseBlob(t, 100, 0), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, cm.tryAccept(cfg1))

	// Same rev, but a different bucket UUID signals the bucket was deleted
	// and recreated (takeover) — it must be accepted despite not being a
	// strictly newer version.
	takeoverBlob := []byte(`{"rev":1,"revEpoch":0,"name":"default","uuid":"different-uuid",` +
		`"vBucketServerMap":{"numReplicas":1,"vBucketMap":[[0]],"serverList":["10.0.0.2:11210"]},` +
		`"nodesExt":[{"hostname":"10.0.0.2","services":{"kv":11210}}]}`)
	cfg2, err := ParseTerseConfig(takeoverBlob, "10.0.0.2")
	require.NoError(t, err)

	accepted := cm.tryAccept(cfg2)
	assert.True(t, accepted)
	assert.Equal(t, cfg2, cm.LatestConfig())
}

func TestConfigManagerSubscribeReceivesUpdates(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	ch := cm.Subscribe()

	cfg, err := ParseTerseConfig(terseBlob(t, 1, 0), "10.0.0.1")
	require.NoError(t, err)
	cm.tryAccept(cfg)

	select {
	case got := <-ch:
		assert.Equal(t, cfg, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber broadcast")
	}
}

func TestConfigManagerSubscribeDropsToLatestWhenSlow(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	ch := cm.Subscribe() // never drained until after both updates

	cfg1, err := ParseTerseConfig(terseBlob(t, 1, 0), "10.0.0.1")
	require.NoError(t, err)
	cm.tryAccept(cfg1)

	cfg2, err := ParseTerseConfig(terseBlob(t, 2, 0), "10.0.0.1")
	require.NoError(t, err)
	cm.tryAccept(cfg2)

	select {
	case got := <-ch:
		assert.Equal(t, cfg2, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber broadcast")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second value delivered: %+v", extra)
	default:
	}
}

func TestConfigManagerOutOfBandVersionReturnsNilWhenNotNewer(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	cfg, err := ParseTerseConfig(terseBlob(t, 10, 0), "10.0.0.1")
	require.NoError(t, err)
	cm.tryAccept(cfg)

	got, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 5})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConfigManagerOutOfBandVersionFetchesAndAccepts(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		blobs:     map[string][]byte{"10.0.0.1:11210": terseBlob(t, 20, 0)},
	}
	cm.SetFetcher(fetcher)

	got, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 15})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(20), got.Version.ID)
	assert.Equal(t, got, cm.LatestConfig())
}

func TestConfigManagerOutOfBandVersionCoalescesConcurrentCallers(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		blobs:     map[string][]byte{"10.0.0.1:11210": terseBlob(t, 30, 0)},
	}
	cm.SetFetcher(fetcher)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 25})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// singleflight coalesces same-key concurrent calls into far fewer
	// network round trips than callers; it must be strictly less than n.
	assert.Less(t, int(atomic.LoadInt32(&fetcher.calls)), n)
	require.NotNil(t, cm.LatestConfig())
	assert.Equal(t, int64(30), cm.LatestConfig().Version.ID)
}

type fakeCoordinator struct {
	mu     sync.Mutex
	locked bool
}

func (c *fakeCoordinator) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return nil, false, nil
	}
	c.locked = true
	return func() {
		c.mu.Lock()
		c.locked = false
		c.mu.Unlock()
	}, true, nil
}

func TestConfigManagerFetchNewerConfigUsesDistributedCoordinator(t *testing.T) {
	coord := &fakeCoordinator{}
	cm := NewConfigManager(ConfigManagerOptions{Coordinator: coord, BucketName: "default"})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		blobs:     map[string][]byte{"10.0.0.1:11210": terseBlob(t, 40, 0)},
	}
	cm.SetFetcher(fetcher)

	got, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 1})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, coord.locked, "lock must be released after the fetch completes")
}

func TestConfigManagerFetchNewerConfigDefersWhenLockHeld(t *testing.T) {
	coord := &fakeCoordinator{locked: true}
	cm := NewConfigManager(ConfigManagerOptions{Coordinator: coord, BucketName: "default"})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		blobs:     map[string][]byte{"10.0.0.1:11210": terseBlob(t, 40, 0)},
	}
	cm.SetFetcher(fetcher)

	got, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 1})
	require.NoError(t, err)
	assert.Nil(t, got, "a replica that loses the distributed lock race defers to its own watcher rather than fetching")
	assert.Equal(t, int32(0), atomic.LoadInt32(&fetcher.calls))
}

func TestConfigManagerOutOfBandConfigAppliesDirectly(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	cfg, err := ParseTerseConfig(terseBlob(t, 50, 0), "10.0.0.1")
	require.NoError(t, err)

	accepted := cm.OutOfBandConfig(cfg)
	assert.True(t, accepted)
	assert.Equal(t, cfg, cm.LatestConfig())
}

func TestConfigManagerOutOfBandVersionFetchErrorYieldsNoUpdate(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		errs:      map[string]error{"10.0.0.1:11210": errors.New("connection refused")},
	}
	cm.SetFetcher(fetcher)

	got, err := cm.OutOfBandVersion(context.Background(), ConfigVersion{ID: 1})
	require.NoError(t, err) // every endpoint failing to fetch is not itself an error, just no update
	assert.Nil(t, got)
}

func TestConfigWatcherPollOnceAcceptsNewerConfig(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210"},
		blobs:     map[string][]byte{"10.0.0.1:11210": terseBlob(t, 60, 0)},
	}
	w := &configWatcher{cm: cm, fetcher: fetcher, interval: time.Second, logger: cm.logger}

	w.pollOnce(context.Background())

	require.NotNil(t, cm.LatestConfig())
	assert.Equal(t, int64(60), cm.LatestConfig().Version.ID)
}

func TestConfigWatcherPollOnceSurvivesAllEndpointsFailing(t *testing.T) {
	cm := NewConfigManager(ConfigManagerOptions{})
	fetcher := &fakeFetcher{
		endpoints: []string{"10.0.0.1:11210", "10.0.0.2:11210"},
		errs: map[string]error{
			"10.0.0.1:11210": errors.New("refused"),
			"10.0.0.2:11210": errors.New("refused"),
		},
	}
	w := &configWatcher{cm: cm, fetcher: fetcher, interval: time.Second, logger: cm.logger}

	require.NotPanics(t, func() { w.pollOnce(context.Background()) })
	assert.Nil(t, cm.LatestConfig())
}
