package replication

import (
	"testing"

	"docsync/internal/crdt"

	"github.com/stretchr/testify/require"
)

func TestEncodeSlotValue(t *testing.T) {
	require.Equal(t, "[]", EncodeSlotValue(nil))
	require.Equal(t, "[1,0,255,17]", EncodeSlotValue([]byte{1, 0, 255, 17}))
}

func TestDecodeSlotValue(t *testing.T) {
	b, err := DecodeSlotValue("[1, 0, 255]")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 255}, b)

	for _, bad := range []string{"", "not json", "null", `"AQID"`, "[256]", "[-3]", "[0.5]", `["1"]`, "{}"} {
		_, err := DecodeSlotValue(bad)
		require.ErrorIs(t, err, ErrDecode, bad)
	}
}

func TestSlotValueCarriesDocumentState(t *testing.T) {
	src := crdt.NewDoc()
	require.NoError(t, src.GetText("content").Insert(0, "hello"))

	update, err := DecodeSlotValue(EncodeSlotValue(src.EncodeStateAsUpdate()))
	require.NoError(t, err)

	dst := crdt.NewDoc()
	require.NoError(t, dst.ApplyUpdate(update))
	require.Equal(t, "hello", dst.GetText("content").String())
}
