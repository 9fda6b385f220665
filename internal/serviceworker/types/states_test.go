package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWorkerState_TransitionsAreMonotonic(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		from := WorkerState(rapid.IntRange(int(WorkerParsed), int(WorkerRedundant)).Draw(r, "from"))
		to := WorkerState(rapid.IntRange(int(WorkerParsed), int(WorkerRedundant)).Draw(r, "to"))

		ok := from.CanTransitionTo(to)
		switch {
		case from == WorkerRedundant && ok:
			r.Fatalf("left redundant for %s", to)
		case from != WorkerRedundant && to == WorkerRedundant && !ok:
			r.Fatalf("%s cannot become redundant", from)
		case to != WorkerRedundant && ok && to <= from:
			r.Fatalf("moved backwards from %s to %s", from, to)
		}
	})
}

func TestRegistrationData_DecodesNamedEnums(t *testing.T) {
	in := RegistrationData{
		Identifier:     2,
		ScopeURL:       "https://example.com/",
		UpdateViaCache: UpdateViaCacheNone,
		Active:         &WorkerData{Identifier: 5, State: WorkerActivated, Type: WorkerTypeModule},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"state":"activated"`)
	require.Contains(t, string(data), `"update_via_cache":"none"`)

	var out RegistrationData
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in.Active.State, out.Active.State)
	require.Equal(t, WorkerTypeModule, out.Active.Type)
	require.Equal(t, UpdateViaCacheNone, out.UpdateViaCache)
}

func TestWorkerState_UnmarshalRejectsUnknown(t *testing.T) {
	var s WorkerState
	require.Error(t, s.UnmarshalText([]byte("sleeping")))

	var slot RegistrationSlot
	require.NoError(t, slot.UnmarshalText([]byte("waiting")))
	require.Equal(t, SlotWaiting, slot)
}
