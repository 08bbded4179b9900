package dealid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure(t *testing.T) {
	t.Run("proposed id returned verbatim", func(t *testing.T) {
		id, err := Ensure("0f4e93f1-6f4a-4f09-9c4e-2f6f3a1b2c3d", nil)
		require.NoError(t, err)
		assert.Equal(t, "0f4e93f1-6f4a-4f09-9c4e-2f6f3a1b2c3d", id)
	})

	t.Run("malformed proposed id rejected", func(t *testing.T) {
		_, err := Ensure("not-a-deal-id", nil)
		assert.ErrorIs(t, err, ErrMalformedDealID)
	})

	t.Run("seed derivation is deterministic", func(t *testing.T) {
		seed := &Seed{
			Seller:    "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
			Buyer:     "9yQNdPZ8t6DFJ4mBVSZjEXyoRAeSdoBDsvZnUE47DdAk",
			Amount:    "125.00",
			DeliverAt: 1735689600,
		}
		a, err := Ensure("", seed)
		require.NoError(t, err)
		b, err := Ensure("", seed)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		// Any change to the terms yields a different id.
		other := *seed
		other.Amount = "125.01"
		c, err := Ensure("", &other)
		require.NoError(t, err)
		assert.NotEqual(t, a, c)
	})

	t.Run("random without seed", func(t *testing.T) {
		a, err := Ensure("", nil)
		require.NoError(t, err)
		b, err := Ensure("", nil)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestByteRoundTrip(t *testing.T) {
	b := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	id, err := FromBytes(b)
	require.NoError(t, err)

	got, err := ToBytes(id)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestToBytesErrors(t *testing.T) {
	_, err := ToBytes("short")
	assert.ErrorIs(t, err, ErrMalformedDealID)

	_, err = FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedDealID)
}

func TestToBigInt(t *testing.T) {
	id, err := FromBytes([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0})
	require.NoError(t, err)

	n, err := ToBigInt(id)
	require.NoError(t, err)
	assert.Equal(t, int64(256), n.Int64())

	_, err = ToBigInt("nope")
	assert.ErrorIs(t, err, ErrMalformedDealID)
}
