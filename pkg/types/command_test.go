package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandKeepsProposerInputs(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := EncodeCommand(AcquireExclusiveCmd{Name: "alpha", Token: "t1", Now: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)

	acquire, ok := cmd.(AcquireExclusiveCmd)
	require.True(t, ok, "decoded %T", cmd)
	assert.Equal(t, "t1", acquire.Token)
	assert.True(t, acquire.Now.Equal(now))
	assert.True(t, acquire.ExpiresAt.Equal(now.Add(time.Minute)))
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":99,"payload":{}}`))
	assert.Error(t, err)

	_, err = DecodeCommand([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeCommand([]byte(`{"type":1,"payload":"oops"}`))
	assert.Error(t, err)
}
