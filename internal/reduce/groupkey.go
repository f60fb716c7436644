package reduce

import (
	"bytes"
	"encoding/json"
)

// canonicalGroupKey encodes the per-group key as canonical JSON with
// keys emitted in groupBy order, used for both hashing (accumulator map
// key) and the ascending output ordering the spec requires. Two groups
// with identical groupBy values always encode to byte-identical keys,
// regardless of runtime map iteration order.
func canonicalGroupKey(groupBy []string, values map[string]interface{}) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range groupBy {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(field)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(values[field])
		if err != nil {
			vb = []byte("null")
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.String()
}
