package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectorsWithoutPanicking(t *testing.T) {
	m := New()
	require.NotNil(t, m.RowsRead)
	m.RowsRead.Inc()
	m.IdentitiesFormed.Set(3)
}

func TestCloseWithoutServeIsNoop(t *testing.T) {
	m := New()
	require.NoError(t, m.Close(context.Background()))
}
