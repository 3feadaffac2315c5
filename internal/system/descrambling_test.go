package system

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacdm/internal/contract"
	"github.com/lanikai/alohacdm/internal/engine"
	"github.com/lanikai/alohacdm/internal/engine/sim"
)

func TestConcurrentDescrambling(t *testing.T) {
	f := newFixture(t, sim.Options{})
	p := f.open(t, defaultVault)
	defer p.Destroy()
	s := p.System()

	const clients, rounds = 8, 50
	var (
		mu   sync.Mutex
		live = make(map[engine.Handle]bool)
		wg   sync.WaitGroup
	)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(tsid uint32) {
			defer wg.Done()
			d := &descrambler{}
			for i := 0; i < rounds; i++ {
				h := s.OpenDescrambling(d, tsid, 0x4021)
				if !assert.NotZero(t, h) {
					return
				}
				mu.Lock()
				assert.False(t, live[h], "handle %d handed out twice", h)
				live[h] = true
				mu.Unlock()

				s.SetContentMetadata(h, []byte{0x80, byte(i)})

				mu.Lock()
				delete(live, h)
				mu.Unlock()
				s.CloseDescrambling(h, tsid)
			}
		}(uint32(c + 1))
	}
	wg.Wait()
	assert.Zero(t, f.sim.Sessions().Descramblings)
}

func TestDescramblingMetadata(t *testing.T) {
	f := newFixture(t, sim.Options{})
	p := f.open(t, defaultVault)
	defer p.Destroy()
	s := p.System()

	h := s.OpenDescrambling(&descrambler{}, 7, 1)
	require.NotZero(t, h)
	s.SetContentMetadata(h, []byte("ecm"))
	s.SetPlatformMetadata(h, 7, []byte("platform"))
	content, platform, attached := f.sim.Metadata(h)
	assert.Equal(t, []byte("ecm"), content)
	assert.Equal(t, []byte("platform"), platform)
	assert.True(t, attached)
	s.CloseDescrambling(h, 7)
}

func TestCloseUnopenedDescrambling(t *testing.T) {
	if !contract.Fatal {
		t.Skip("contract violations are not fatal in this build")
	}
	f := newFixture(t, sim.Options{})
	p := f.open(t, defaultVault)
	defer p.Destroy()
	s := p.System()

	assert.Panics(t, func() { s.CloseDescrambling(999, 1) })

	h := s.OpenDescrambling(&descrambler{}, 1, 0)
	s.CloseDescrambling(h, 1)
	assert.Panics(t, func() { s.CloseDescrambling(h, 1) })
}

func TestNeedKeyRoutesToStream(t *testing.T) {
	f := newFixture(t, sim.Options{})
	p := f.open(t, defaultVault)
	defer p.Destroy()
	s := p.System()
	rec := &recorder{}
	p.Run(rec)

	d := &descrambler{}
	h := s.OpenDescrambling(d, 3, 0)
	require.NotZero(t, h)

	f.sim.TriggerNeedKey(s.Application(), h)
	f.sim.TriggerNeedKey(s.Application(), h+100)
	f.dispatcher.Flush()
	assert.Equal(t, 1, d.count())
	assert.Empty(t, rec.reasons())

	f.sim.TriggerNeedKey(s.Application(), 0)
	f.dispatcher.Flush()
	assert.Equal(t, []string{"KEYNEEDED"}, rec.reasons())
	s.CloseDescrambling(h, 3)
}

func TestNeedKeyWhileAttaching(t *testing.T) {
	f := newFixture(t, sim.Options{}, func(e *sim.Engine) engine.Engine {
		return &needKeyOnAttach{Engine: e}
	})
	p := f.open(t, defaultVault)
	defer p.Destroy()
	s := p.System()

	d := &descrambler{}
	h := s.OpenDescrambling(d, 5, 0)
	require.NotZero(t, h)
	f.dispatcher.Flush()
	assert.Equal(t, 1, d.count())
	s.CloseDescrambling(h, 5)
}

func TestAttachFailureForgetsStream(t *testing.T) {
	f := newFixture(t, sim.Options{}, func(e *sim.Engine) engine.Engine {
		return failAttach{e}
	})
	p := f.open(t, defaultVault)
	defer p.Destroy()

	assert.Zero(t, p.System().OpenDescrambling(&descrambler{}, 5, 0))
	assert.Zero(t, f.sim.Sessions().Descramblings)
}

func TestReleaseClosesLeakedDescrambling(t *testing.T) {
	f := newFixture(t, sim.Options{})
	s, err := f.AddOrGetSession("leaky", vaultContent("leaky"))
	require.NoError(t, err)
	require.NotZero(t, s.OpenDescrambling(&descrambler{}, 1, 0))

	s.Release()
	assert.Zero(t, f.sim.Sessions().Descramblings)
	assert.Zero(t, s.OpenDescrambling(&descrambler{}, 1, 0))
}
