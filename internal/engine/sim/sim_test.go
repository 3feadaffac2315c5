package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacdm/internal/engine"
)

type memStore map[string][]byte

func (m memStore) Load(key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memStore) Save(key string, value []byte) error {
	m[key] = value
	return nil
}

func TestProvisioningExchange(t *testing.T) {
	store := memStore{}
	e := New(Options{NeedsProvisioning: true, Store: store, Filters: []engine.Filter{{1}}})

	app, status := e.OpenApplication([]byte("vault"))
	require.Equal(t, engine.NeedsProvisioning, status)
	require.NotZero(t, app)

	filters, status := engine.Filters(e, app)
	assert.Equal(t, engine.OK, status)
	assert.Empty(t, filters)

	params, status := engine.Export(func(buf []byte) (int, engine.Status) {
		return e.GetProvisioningParameters(app, buf)
	})
	require.Equal(t, engine.OK, status)

	prov, status := e.OpenProvisioning(app)
	require.Equal(t, engine.OK, status)
	require.Equal(t, engine.OK, e.SetProvisioningClientData(prov, params))

	challenge, status := engine.Export(func(buf []byte) (int, engine.Status) {
		return e.ExportProvisioningMessage(prov, buf)
	})
	require.Equal(t, engine.OK, status)
	assert.Equal(t, ProvisioningChallenge(params), challenge)

	require.Equal(t, engine.OK, e.ImportProvisioningMessage(prov, []byte("response")))
	assert.True(t, e.Provisioned(app))
	assert.Len(t, store, 1)

	filters, status = engine.Filters(e, app)
	assert.Equal(t, engine.OK, status)
	assert.Equal(t, []engine.Filter{{1}}, filters)

	// A fresh engine sharing the store skips provisioning.
	_, status = New(Options{NeedsProvisioning: true, Store: store}).OpenApplication([]byte("vault"))
	assert.Equal(t, engine.OK, status)
}

func TestHandlesAreUnique(t *testing.T) {
	e := New(Options{})
	app, _ := e.OpenApplication([]byte("v"))
	seen := map[engine.Handle]bool{app: true}
	for i := 0; i < 50; i++ {
		d, status := e.OpenDescrambling(app)
		require.Equal(t, engine.OK, status)
		assert.False(t, seen[d])
		seen[d] = true
		if i%2 == 0 {
			e.CloseDescrambling(d)
		}
	}
	assert.Equal(t, 25, e.Sessions().Descramblings)
}

func TestTriggers(t *testing.T) {
	e := New(Options{})
	app, _ := e.OpenApplication([]byte("v"))
	assert.False(t, e.TriggerRenewal(app))

	var renewed, needed []engine.Handle
	e.SetRenewalListener(app, func(h engine.Handle) { renewed = append(renewed, h) })
	e.SetNeedKeyListener(app, func(h, d engine.Handle) { needed = append(needed, d) })
	assert.True(t, e.TriggerRenewal(app))
	assert.True(t, e.TriggerNeedKey(app, 42))
	assert.Equal(t, []engine.Handle{app}, renewed)
	assert.Equal(t, []engine.Handle{42}, needed)

	d, _ := e.OpenDelivery(app)
	var completed engine.Handle
	e.SetDeliveryCompleteListener(d, func(h engine.Handle, s engine.Status) { completed = h })
	assert.True(t, e.CompleteDelivery(d))
	assert.Equal(t, d, completed)
}
