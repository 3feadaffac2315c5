package connect

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacdm/internal/cdmi"
	"github.com/lanikai/alohacdm/internal/contract"
	"github.com/lanikai/alohacdm/internal/dispatch"
	"github.com/lanikai/alohacdm/internal/engine/sim"
	"github.com/lanikai/alohacdm/internal/message"
	"github.com/lanikai/alohacdm/internal/pssh"
	"github.com/lanikai/alohacdm/internal/request"
	"github.com/lanikai/alohacdm/internal/system"
)

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) OnKeyMessage(data []byte, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) OnKeyReady() {}

type fixture struct {
	reg        *system.Registry
	sim        *sim.Engine
	dispatcher *dispatch.Dispatcher
	proxy      *system.Proxy
}

func newFixture(t *testing.T) *fixture {
	e := sim.New(sim.Options{})
	d := dispatch.New()
	t.Cleanup(d.Stop)
	reg := system.NewRegistry(system.Options{Engine: e, Dispatcher: d, DefaultVault: "default"})
	p, err := reg.Open("default", func() ([]byte, error) { return []byte("vault"), nil })
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return &fixture{reg, e, d, p}
}

func initData(r pssh.Routing) []byte {
	return pssh.Build(nil, r.Bytes())
}

func encode(t *testing.T, kind request.Kind, payload []byte) []byte {
	msg, err := message.Encode(kind, payload)
	require.NoError(t, err)
	return msg
}

func TestOpenWithDefaultRouting(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.reg, f.dispatcher, nil)
	require.NoError(t, err)

	assert.NotZero(t, c.Handle())
	assert.Same(t, f.proxy.System(), c.System())
	assert.Equal(t, 2, c.System().Refs())
	assert.Equal(t, pssh.Routing{}, c.Routing())

	c.Destroy()
	c.Destroy()
	assert.Equal(t, 1, f.proxy.System().Refs())
	assert.Zero(t, f.sim.Sessions().Descramblings)
}

func TestOpenByRouting(t *testing.T) {
	f := newFixture(t)
	routing := pssh.Routing{TSID: 0x0203, EMI: 0x4021, SystemSessionID: f.proxy.SessionID()}
	c, err := New(f.reg, f.dispatcher, initData(routing))
	require.NoError(t, err)
	defer c.Destroy()

	assert.Equal(t, routing, c.Routing())
	_, _, attached := f.sim.Metadata(c.Handle())
	assert.True(t, attached)

	c.Update(encode(t, request.ECMDelivery, []byte("ecm")))
	c.Update(encode(t, request.PlatformDelivery, []byte("platform")))
	c.Update(encode(t, request.Renewal, []byte("ignored")))
	content, platform, _ := f.sim.Metadata(c.Handle())
	assert.Equal(t, []byte("ecm"), content)
	assert.Equal(t, []byte("platform"), platform)
}

func TestOpenUnknownSystem(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.reg, f.dispatcher, initData(pssh.Routing{SystemSessionID: "SYSTEMSESSION_ID:999"}))
	assert.True(t, errors.Is(err, ErrNoSystem), "got %v", err)
}

func TestNeedKey(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.reg, f.dispatcher, nil)
	require.NoError(t, err)
	defer c.Destroy()
	app := c.System().Application()

	// Deferred until a callback registers.
	f.sim.TriggerNeedKey(app, c.Handle())
	f.dispatcher.Flush()
	rec := &recorder{}
	c.Run(rec)
	f.dispatcher.Flush()
	assert.Equal(t, []string{"KEYNEEDED"}, rec.reasons)

	f.sim.TriggerNeedKey(app, c.Handle())
	f.dispatcher.Flush()
	assert.Equal(t, []string{"KEYNEEDED", "KEYNEEDED"}, rec.reasons)
	c.Run(nil)
}

func TestUpdateIgnoresUnknownTags(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.reg, f.dispatcher, nil)
	require.NoError(t, err)
	defer c.Destroy()

	c.Update(encode(t, request.ECMDelivery, []byte{0x80, 0x70}))
	assert.NotPanics(t, func() {
		c.Update([]byte{0, 0, 0x10, 0, 0x01})
		c.Update([]byte{0, 0, 0x10, 0, 0, 9, 1})
		// Known to system sessions only.
		c.Update([]byte{0, 0, 0, 0x01, 0, 9})
	})

	content, platform, attached := f.sim.Metadata(c.Handle())
	assert.Equal(t, []byte{0x80, 0x70}, content)
	assert.Nil(t, platform)
	assert.True(t, attached)
}

func TestSessionContract(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.reg, f.dispatcher, nil)
	require.NoError(t, err)
	defer c.Destroy()

	assert.Equal(t, cdmi.ErrNotImplemented, c.Load())
	assert.Equal(t, cdmi.ErrNotImplemented, c.Remove())
	assert.Equal(t, cdmi.ErrNotImplemented, c.Close())
	assert.Contains(t, c.SessionID(), SessionIDPrefix)
	if !contract.Fatal {
		return
	}
	assert.Panics(t, func() { c.Decrypt(nil, nil, nil) })
	assert.Panics(t, func() { c.Update(encode(t, request.ECMDelivery, nil)) })
	assert.Panics(t, func() { c.Run(nil) })
}
