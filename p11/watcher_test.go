package p11_test

import (
	"testing"

	"github.com/effective-security/p11scan/internal/p11test"
	"github.com/effective-security/p11scan/p11"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotWatcher(t *testing.T) {
	mod := p11test.New(
		p11test.HardwareSlot(1, p11test.NewToken("alpha", "0001")),
		p11test.HardwareSlot(2, nil),
	)
	next := p11.NewSlotWatcher(mod)

	// present at start
	slotID, err := next(true)
	require.NoError(t, err)
	assert.Equal(t, uint(1), slotID)

	_, err = next(true)
	assert.True(t, p11.IsNoEvent(err))
	_, err = next(true)
	assert.True(t, p11.IsNoEvent(err))

	mod.InsertToken(2, p11test.NewToken("beta", "0002"))
	mod.RemoveToken(1)

	slotID, err = next(true)
	require.NoError(t, err)
	assert.Equal(t, uint(1), slotID)
	slotID, err = next(true)
	require.NoError(t, err)
	assert.Equal(t, uint(2), slotID)

	_, err = next(true)
	assert.True(t, p11.IsNoEvent(err))

	mod.SetError("GetSlotList", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	_, err = next(true)
	require.Error(t, err)
	assert.False(t, p11.IsNoEvent(err))
	assert.True(t, p11.IsProviderError(err))
}

func TestSlotWatcher_Blocking(t *testing.T) {
	mod := p11test.New(p11test.HardwareSlot(4, p11test.NewToken("alpha", "0001")))

	slotID, err := mod.WaitSlotEvent(false)
	require.NoError(t, err)
	assert.Equal(t, uint(4), slotID)

	go mod.RemoveToken(4)
	slotID, err = mod.WaitSlotEvent(false)
	require.NoError(t, err)
	assert.Equal(t, uint(4), slotID)
}
