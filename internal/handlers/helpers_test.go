package handlers

import (
	"testing"

	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) reading.Record {
	t.Helper()
	rec, err := reading.Decode([]byte(body))
	require.NoError(t, err)
	return rec
}

func decodeAll(t *testing.T, bodies ...string) []reading.Record {
	t.Helper()
	out := make([]reading.Record, len(bodies))
	for i, b := range bodies {
		out[i] = decode(t, b)
	}
	return out
}
