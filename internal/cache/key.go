package cache

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key derives a cache key from one tokenized sequence and the pooling mode
// that produced its vector. A nil tokenTypeIDs hashes like all zeros.
func Key(mode string, inputIDs, tokenTypeIDs []int) string {
	h := xxhash.New()
	buf := make([]byte, 0, 8*len(inputIDs)+len(mode)+1)
	buf = append(buf, mode...)
	buf = append(buf, 0)
	for i, id := range inputIDs {
		t := 0
		if tokenTypeIDs != nil {
			t = tokenTypeIDs[i]
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	_, _ = h.Write(buf)
	return strconv.FormatUint(h.Sum64(), 16)
}
