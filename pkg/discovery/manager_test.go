package discovery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthd/pkg/discovery"
)

type fakeAdvertiser struct {
	mu         sync.Mutex
	advertised []discovery.AccessoryInfo
	updates    []discovery.AccessoryInfo
	stopped    int
}

func (f *fakeAdvertiser) Advertise(_ context.Context, info *discovery.AccessoryInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised = append(f.advertised, *info)
	return nil
}

func (f *fakeAdvertiser) Update(info *discovery.AccessoryInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *info)
	return nil
}

func (f *fakeAdvertiser) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeAdvertiser) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeAdvertiser) lastUpdate() discovery.AccessoryInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func newManager(t *testing.T, hb time.Duration) (*discovery.Manager, *fakeAdvertiser) {
	t.Helper()
	adv := &fakeAdvertiser{}
	m := discovery.NewManager(discovery.ManagerConfig{Advertiser: adv, Info: testInfo(), Heartbeat: hb})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, adv
}

func TestManagerStartAdvertisesUnpaired(t *testing.T) {
	_, adv := newManager(t, time.Hour)
	require.Len(t, adv.advertised, 1)
	assert.Equal(t, discovery.StatusFlagUnpaired, adv.advertised[0].StatusFlags())
}

func TestManagerSetPairedAnnouncesOnChange(t *testing.T) {
	m, adv := newManager(t, time.Hour)

	require.NoError(t, m.SetPaired(true))
	require.NoError(t, m.SetPaired(true))
	assert.Equal(t, 1, adv.updateCount())
	assert.True(t, adv.lastUpdate().Paired)

	require.NoError(t, m.SetPaired(false))
	assert.Equal(t, 2, adv.updateCount())
	assert.False(t, m.Info().Paired)
}

func TestManagerSetConfigNumber(t *testing.T) {
	m, adv := newManager(t, time.Hour)

	require.NoError(t, m.SetConfigNumber(4))
	require.NoError(t, m.SetConfigNumber(0))
	require.NoError(t, m.SetConfigNumber(4))
	assert.Equal(t, 1, adv.updateCount())
	assert.Equal(t, uint32(4), adv.lastUpdate().ConfigNumber)
}

func TestManagerHeartbeat(t *testing.T) {
	_, adv := newManager(t, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return adv.updateCount() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestManagerStopped(t *testing.T) {
	adv := &fakeAdvertiser{}
	m := discovery.NewManager(discovery.ManagerConfig{Advertiser: adv, Info: testInfo()})

	require.NoError(t, m.SetPaired(true))
	assert.Zero(t, adv.updateCount(), "no announcements before Start")

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, adv.advertised[0].Paired, "Start uses the latest record")

	m.Stop()
	m.Stop()
	assert.Equal(t, 1, adv.stopped)
}

func TestManagerRejectsBadName(t *testing.T) {
	info := testInfo()
	info.Name = ""
	m := discovery.NewManager(discovery.ManagerConfig{Advertiser: &fakeAdvertiser{}, Info: info})
	assert.ErrorIs(t, m.Start(context.Background()), discovery.ErrMissingRequired)
}

type fakeBrowser struct{ found []*discovery.AccessoryService }

func (f *fakeBrowser) Browse(ctx context.Context) (<-chan *discovery.AccessoryService, error) {
	ch := make(chan *discovery.AccessoryService)
	go func() {
		defer close(ch)
		for _, s := range f.found {
			select {
			case ch <- s:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func (f *fakeBrowser) Stop() {}

func TestCollectSortsByName(t *testing.T) {
	b := &fakeBrowser{found: []*discovery.AccessoryService{{InstanceName: "Den"}, {InstanceName: "Attic"}}}
	got, err := discovery.Collect(context.Background(), b, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Attic", got[0].InstanceName)
}
