package x402

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkParse(t *testing.T) {
	namespace, reference, err := Network("solana:mainnet").Parse()
	require.NoError(t, err)
	assert.Equal(t, "solana", namespace)
	assert.Equal(t, "mainnet", reference)

	_, _, err = Network("not-a-network").Parse()
	assert.Error(t, err)
}

func TestNetworkMatch(t *testing.T) {
	tests := []struct {
		network Network
		pattern Network
		want    bool
	}{
		{"solana:mainnet", "solana:mainnet", true},
		{"solana:mainnet", "solana:*", true},
		{"solana:*", "solana:devnet", true},
		{"solana:mainnet", "eip155:*", false},
		{"solana:mainnet", "solana:devnet", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.network.Match(tt.pattern), "%s vs %s", tt.network, tt.pattern)
	}
}

func TestPaymentRequirementExpired(t *testing.T) {
	now := time.Now()

	requirement := PaymentRequirement{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, requirement.Expired(now))
	assert.True(t, requirement.Expired(now.Add(2*time.Minute)))

	// Zero expiry never expires.
	assert.False(t, PaymentRequirement{}.Expired(now))
}

func TestPaymentRequirementJSON(t *testing.T) {
	requirement := PaymentRequirement{
		Scheme:   "exact",
		Network:  "solana:mainnet",
		Asset:    "usdc-mint",
		PayTo:    "merchant",
		Amount:   1500000,
		Resource: "/premium",
	}

	data, err := json.Marshal(requirement)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"1500000"`)

	var decoded PaymentRequirement
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, requirement.Amount, decoded.Amount)
}

func TestProtocolError(t *testing.T) {
	err := NewProtocolError(KindAmountMismatch, "paid 500, required 1000", map[string]interface{}{
		"paid": uint64(500),
	})
	assert.Equal(t, "amount_mismatch: paid 500, required 1000", err.Error())
	assert.Equal(t, KindAmountMismatch, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
