package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	st, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{ConnectionCount: 1, IsPrimary: true}, st)

	require.NoError(t, m.SetConnected(ctx, true))
	require.NoError(t, m.SetTargetDomain(ctx, "shop.com"))
	require.NoError(t, m.SetConnectionRank(ctx, 3, false))

	st, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{Connected: true, TargetDomain: "shop.com", ConnectionCount: 3, IsPrimary: false}, st)

	require.NoError(t, m.SetTargetDomain(ctx, ""))
	st, _ = m.Load(ctx)
	assert.Empty(t, st.TargetDomain)
}

func TestParseState(t *testing.T) {
	assert.Equal(t, State{ConnectionCount: 1, IsPrimary: true}, parseState(nil))

	st := parseState(map[string]string{
		fieldConnected:       "true",
		fieldTargetDomain:    "shop.com",
		fieldConnectionCount: "2",
		fieldIsPrimary:       "false",
	})
	assert.Equal(t, State{Connected: true, TargetDomain: "shop.com", ConnectionCount: 2, IsPrimary: false}, st)

	st = parseState(map[string]string{fieldConnectionCount: "zero", fieldIsPrimary: "maybe"})
	assert.Equal(t, 1, st.ConnectionCount)
	assert.True(t, st.IsPrimary)
}
