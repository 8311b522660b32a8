package crdt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIsDeterministic(t *testing.T) {
	a := NewDoc(WithClientID(7))
	require.NoError(t, a.GetText("content").Insert(0, "abc"))
	require.NoError(t, a.GetMap("participants").Set("z", 1))
	require.NoError(t, a.GetMap("participants").Set("a", 2))

	b := NewDoc(WithClientID(8))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate()))
	require.Equal(t, a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate())
}

func TestClientIDsUseFullWidth(t *testing.T) {
	a := NewDoc(WithClientID(math.MaxUint64))
	require.NoError(t, a.GetText("content").Insert(0, "ab"))

	b := NewDoc(WithClientID(1 << 40))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate()))
	require.NoError(t, b.GetText("content").Insert(2, "c"))
	require.NoError(t, a.ApplyUpdate(b.EncodeStateAsUpdate()))
	require.Equal(t, "abc", a.GetText("content").String())
	require.Equal(t, a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate())

	sawHigh := false
	for range 8 {
		if NewDoc().ClientID() > math.MaxUint32 {
			sawHigh = true
			break
		}
	}
	require.True(t, sawHigh, "random client ids never exceed 32 bits")
}

func TestEncodeEmptyDoc(t *testing.T) {
	d := NewDoc()
	update := d.EncodeStateAsUpdate()
	require.Equal(t, []byte{updateVersion, 0, 0}, update)
	require.NoError(t, NewDoc().ApplyUpdate(update))
}

func TestApplyUpdateRejectsMalformed(t *testing.T) {
	src := NewDoc(WithClientID(1))
	require.NoError(t, src.GetText("content").Insert(0, "hello"))
	require.NoError(t, src.GetMap("participants").Set("Id-1", "x"))
	good := src.EncodeStateAsUpdate()

	cases := map[string][]byte{
		"empty":       {},
		"version":     append([]byte{9}, good[1:]...),
		"truncated":   good[:len(good)-3],
		"trailing":    append(append([]byte{}, good...), 0),
		"huge count":  {updateVersion, 0xff, 0xff, 0xff, 0x0f},
		"bad varint":  {updateVersion, 0x80},
		"json value":  {updateVersion, 0, 1, 1, 'm', 1, 1, 'k', 1, 1, 0, 2, '{', '{'},
		"origin loop": {updateVersion, 1, 1, 't', 1, 1, 1, flagHasOrigin, 5, 1, 'a', 0},
	}
	for name, update := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDoc(WithClientID(2))
			require.NoError(t, d.GetText("content").Insert(0, "world"))
			before := d.EncodeStateAsUpdate()

			require.Error(t, d.ApplyUpdate(update))
			require.Equal(t, before, d.EncodeStateAsUpdate())
			require.Equal(t, "world", d.GetText("content").String())
		})
	}
}

func TestApplyUpdateRejectsUnknownOrigin(t *testing.T) {
	// One item whose origin (clock 1, client 9) is nowhere to be found.
	update := []byte{updateVersion, 1, 1, 't', 1, 2, 9, flagHasOrigin, 1, 9, 'a', 0}
	d := NewDoc()
	require.ErrorIs(t, d.ApplyUpdate(update), ErrMissingOrigin)
	require.Equal(t, "", d.GetText("t").String())
}

func TestApplyUpdateVersionError(t *testing.T) {
	require.ErrorIs(t, NewDoc().ApplyUpdate([]byte{2, 0, 0}), ErrUnsupportedVersion)
	require.ErrorIs(t, NewDoc().ApplyUpdate([]byte{updateVersion, 0}), ErrMalformedUpdate)
}
