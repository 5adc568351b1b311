package memory

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

func TestCredentials_CreateGetAndCAS(t *testing.T) {
	clk := newFakeClock()
	s := NewCredentials(clk.Now)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	_, err := s.Get(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Create(ctx, &model.Credential{UserID: id, WalletAddress: "0xABC", KeyBlob: "b1", PinHash: "h1"}))
	require.ErrorIs(t, s.Create(ctx, &model.Credential{UserID: id, WalletAddress: "0xdef"}), errs.ErrAlreadyExists)
	require.ErrorIs(t, s.Create(ctx, &model.Credential{UserID: uuid.Must(uuid.NewV4()), WalletAddress: "0xabc"}), errs.ErrAlreadyExists)

	c, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "0xabc", c.WalletAddress)

	require.ErrorIs(t, s.ReplacePinAndKey(ctx, id, "h1", "stale", "h2", "b2"), errs.ErrVersionConflict)
	require.NoError(t, s.ReplacePinAndKey(ctx, id, "h1", "b1", "h2", "b2"))

	require.ErrorIs(t, s.UpgradePinHash(ctx, id, "h1", "h3"), errs.ErrVersionConflict)
	require.NoError(t, s.UpgradePinHash(ctx, id, "h2", "h3"))
	require.NoError(t, s.UpgradeKeyBlob(ctx, id, "b2", "b3"))

	c, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "h3", c.PinHash)
	require.Equal(t, "b3", c.KeyBlob)

	// returned values are copies
	c.PinHash = "mutated"
	c2, _ := s.Get(ctx, id)
	require.Equal(t, "h3", c2.PinHash)
}
