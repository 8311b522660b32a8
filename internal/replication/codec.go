package replication

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeSlotValue renders an update as a JSON array of byte values, e.g.
// [1,0,0]. This is the text form stored in the slot.
func EncodeSlotValue(update []byte) string {
	var b strings.Builder
	b.Grow(len(update)*4 + 2)
	b.WriteByte('[')
	for i, v := range update {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeSlotValue parses a slot value back into update bytes. Anything but
// a JSON array of integers in 0..255 is rejected with ErrDecode.
func DecodeSlotValue(value string) ([]byte, error) {
	var nums []int64
	if err := json.Unmarshal([]byte(value), &nums); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if nums == nil {
		return nil, fmt.Errorf("%w: not an array", ErrDecode)
	}
	update := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: element %d out of byte range: %d", ErrDecode, i, n)
		}
		update[i] = byte(n)
	}
	return update, nil
}
