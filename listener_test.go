package libchannel

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherSingleListener(t *testing.T) {
	d := newDispatcher()
	r := NewListenerRegistry(NewNoopLogger())

	var got []string
	l := r.Register("event", func(p json.RawMessage) {
		got = append(got, string(p))
	})
	d.Attach(l)

	assert.Equal(t, 1, d.Dispatch("event", json.RawMessage(`42`)))
	assert.Equal(t, []string{"42"}, got)
}

func TestDispatcherNoListeners(t *testing.T) {
	d := newDispatcher()
	assert.Equal(t, 0, d.Dispatch("nonexistentEvent", json.RawMessage(`100`)))
}

func TestDispatcherConcurrent(t *testing.T) {
	d := newDispatcher()
	r := NewListenerRegistry(NewNoopLogger())

	var (
		mu      sync.Mutex
		results int
		wg      sync.WaitGroup
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Attach(r.Register("event", func(json.RawMessage) {
				mu.Lock()
				results++
				mu.Unlock()
			}))
		}()
	}
	wg.Wait()

	for j := 0; j < 10; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch("event", json.RawMessage(`1`))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// 10 listeners * 10 emissions
	assert.Equal(t, 100, results)
}

func TestListenerRegistryIndependentRemoval(t *testing.T) {
	r := NewListenerRegistry(NewNoopLogger())
	tr := newFakeTransport()
	r.ReattachAll(tr)

	var first, second int
	cb1 := r.Register("new_message", func(json.RawMessage) { first++ })
	r.Register("new_message", func(json.RawMessage) { second++ })

	require.Equal(t, 2, tr.Count("new_message"))

	tr.push("new_message", `{}`)
	r.Unregister(cb1)
	tr.push("new_message", `{}`)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, tr.Count("new_message"))
}

func TestListenerRegistryStoresUntilReattach(t *testing.T) {
	r := NewListenerRegistry(NewNoopLogger())

	var calls []string
	r.Register("a", func(p json.RawMessage) { calls = append(calls, "a:"+string(p)) })
	r.Register("b", func(p json.RawMessage) { calls = append(calls, "b:"+string(p)) })

	first := newFakeTransport()
	assert.Equal(t, 0, first.Count("a"))

	r.ReattachAll(first)
	first.push("a", `1`)

	r.Unbind()
	assert.Equal(t, 0, first.Count("a"))
	assert.Equal(t, 0, first.Count("b"))

	second := newFakeTransport()
	r.ReattachAll(second)
	second.push("b", `2`)
	first.push("a", `3`)

	assert.Equal(t, []string{"a:1", "b:2"}, calls)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.Count("a"))
}

func TestListenerRegistryRecoversPanic(t *testing.T) {
	r := NewListenerRegistry(NewNoopLogger())
	tr := newFakeTransport()
	r.ReattachAll(tr)

	var after bool
	r.Register("boom", func(json.RawMessage) { panic("listener failure") })
	r.Register("boom", func(json.RawMessage) { after = true })

	assert.NotPanics(t, func() { tr.push("boom", `null`) })
	assert.True(t, after)
}

func TestListenerRegistryUnregisterUnknown(t *testing.T) {
	r := NewListenerRegistry(NewNoopLogger())
	assert.NotPanics(t, func() {
		r.Unregister(nil)
		r.Unregister(&Listener{event: "ghost"})
	})
}
