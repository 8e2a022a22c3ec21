package identity

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	values map[string]bool
	calls  int
	err    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: map[string]bool{}}
}

func (f *fakeBackend) Lookup(hexKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.values[hexKey], nil
}

func (f *fakeBackend) Put(hexKey string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[hexKey] = true
	return nil
}

func (f *fakeBackend) Delete(hexKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, hexKey)
	return nil
}

func (f *fakeBackend) List() (map[string]map[string]string, error) {
	return nil, nil
}

const testUUID = "01020304-0506-0708-090a-0b0c0d0e0f10"

func TestAccept_StaticMatch(t *testing.T) {
	store, err := New(testUUID, nil)
	require.NoError(t, err)

	id, err := ParseUUID(testUUID)
	require.NoError(t, err)
	require.True(t, store.Accept(id))
}

func TestAccept_StaticMismatchNoDynamic(t *testing.T) {
	store, err := New(testUUID, nil)
	require.NoError(t, err)

	var zero [16]byte
	require.False(t, store.Accept(zero))
}

func TestAccept_DynamicFallback(t *testing.T) {
	backend := newFakeBackend()
	store, err := New(testUUID, backend)
	require.NoError(t, err)

	var other [16]byte
	other[0] = 0xAB
	key := ToHexKey(other)
	backend.values[key] = true

	require.True(t, store.Accept(other))
}

func TestAccept_DynamicBackendErrorIsReject(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.New("backend unavailable")
	store, err := New(testUUID, backend)
	require.NoError(t, err)

	var other [16]byte
	other[0] = 0xCD
	require.False(t, store.Accept(other))
}

func TestAccept_StaticShortCircuitsDynamic(t *testing.T) {
	backend := newFakeBackend()
	store, err := New(testUUID, backend)
	require.NoError(t, err)

	id, err := ParseUUID(testUUID)
	require.NoError(t, err)
	require.True(t, store.Accept(id))
	require.Equal(t, 0, backend.calls, "static match must never consult the dynamic backend")
}

func TestPutDelete_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	store, err := New(testUUID, backend)
	require.NoError(t, err)

	var other [16]byte
	other[0] = 0xEF
	key := ToHexKey(other)

	require.NoError(t, store.Put(key, map[string]string{"name": "test"}))
	require.True(t, store.Accept(other))

	require.NoError(t, store.Delete(key))
	require.False(t, store.Accept(other))
}

func TestPut_NoDynamicBackendConfigured(t *testing.T) {
	store, err := New(testUUID, nil)
	require.NoError(t, err)
	require.Error(t, store.Put("deadbeef", nil))
}
