package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/nudge/internal/testutil"
)

func TestEmitAndList(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)

	require.NoError(t, Emit(ctx, db, TypeContactFlagged, "+15551234567", map[string]any{"name": "Ada"}))
	require.NoError(t, Emit(ctx, db, TypeCycleFinished, "", nil))

	events, err := List(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, TypeContactFlagged, events[0].Type)
	require.NotNil(t, events[0].Address)
	assert.Equal(t, "+15551234567", *events[0].Address)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "Ada", payload["name"])

	assert.Nil(t, events[1].Address)
	assert.Empty(t, events[1].Payload)
	assert.Greater(t, events[1].Seq, events[0].Seq)

	after, err := List(ctx, db, events[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, TypeCycleFinished, after[0].Type)
}

func TestEmit_RequiresType(t *testing.T) {
	db := testutil.OpenTestDB(t)
	assert.Error(t, Emit(context.Background(), db, "", "", nil))
}
