package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBankIDJSONRoundTrip(t *testing.T) {
	id := NewBankID()

	data, err := json.Marshal(id)
	require.NoError(t, err)
	require.Equal(t, `"`+id.String()+`"`, string(data))

	var decoded BankID
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, id, decoded)
}

func TestEndToEndRefJSONRoundTrip(t *testing.T) {
	ref := NewEndToEndRef()

	data, err := json.Marshal(ref)
	require.NoError(t, err)

	var decoded EndToEndRef
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, ref, decoded)
}

func TestTypedIDEmbeddedInStructMarshalsAsString(t *testing.T) {
	type wrapper struct {
		Obligation ObligationID `json:"obligation_id"`
		Window     WindowID     `json:"window_id"`
	}

	w := wrapper{Obligation: NewObligationID(), Window: NewWindowID()}
	data, err := json.Marshal(w)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, w.Obligation.String(), decoded["obligation_id"])
	require.Equal(t, w.Window.String(), decoded["window_id"])
}

func TestParseBankIDRejectsGarbage(t *testing.T) {
	_, err := ParseBankID("not-a-uuid")
	require.Error(t, err)
}

func TestParseBankIDRoundTrip(t *testing.T) {
	id := NewBankID()
	parsed, err := ParseBankID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}
