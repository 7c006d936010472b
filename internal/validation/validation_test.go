package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sempo/ethworker/internal/types"
)

func TestValidateSendEthRequest(t *testing.T) {
	testCases := []struct {
		name        string
		req         types.SendEthRequest
		shouldError bool
	}{
		{
			name: "valid",
			req: types.SendEthRequest{
				UUID:             "t-1",
				AmountWei:        "1000",
				RecipientAddress: "0x00000000000000000000000000000000000000aa",
				Signer:           types.Signer{Address: "0x00000000000000000000000000000000000000bb"},
			},
		},
		{
			name: "missing uuid",
			req: types.SendEthRequest{
				AmountWei:        "1000",
				RecipientAddress: "0x00000000000000000000000000000000000000aa",
			},
			shouldError: true,
		},
		{
			name: "fractional amount",
			req: types.SendEthRequest{
				UUID:             "t-2",
				AmountWei:        "1.5",
				RecipientAddress: "0x00000000000000000000000000000000000000aa",
			},
			shouldError: true,
		},
		{
			name: "bad signing address",
			req: types.SendEthRequest{
				UUID:             "t-3",
				AmountWei:        "1",
				RecipientAddress: "0x00000000000000000000000000000000000000aa",
				Signer:           types.Signer{Address: "not-an-address"},
			},
			shouldError: true,
		},
		{
			name: "empty prior uuid",
			req: types.SendEthRequest{
				UUID:             "t-4",
				AmountWei:        "1",
				RecipientAddress: "0x00000000000000000000000000000000000000aa",
				Dependencies:     types.Dependencies{PriorTasks: []string{""}},
			},
			shouldError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.req)
			if tc.shouldError {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidationFailed))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
