package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := newEnvelope("origin-a", "doc-sync", "[1]", "[1,2]").marshal()
	require.NoError(t, err)

	env, err := parseEnvelope(payload)
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, "origin-a", env.Origin)
	require.Equal(t, "doc-sync", env.Key)
	require.Equal(t, "[1]", env.Old)
	require.Equal(t, "[1,2]", env.New)
}

func TestParseEnvelopeRejectsIncomplete(t *testing.T) {
	for _, payload := range []string{
		"",
		"garbage",
		`{"key":"doc-sync"}`,
		`{"origin":"a"}`,
	} {
		_, err := parseEnvelope(payload)
		require.Error(t, err, payload)
	}
}
