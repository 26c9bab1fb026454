package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wordSep and lineSep are the field/item separators ConfigListen's wire
// body uses, matching the original protocol's ASCII control-character
// framing rather than JSON, since this one request type predates the
// JSON payload convention the rest of this package uses.
const (
	wordSep byte = 0x02
	lineSep byte = 0x01
)

// ListenItem is one (dataId, group, md5, tenant) entry in a ConfigListen
// or ConfigSubscribe request body.
type ListenItem struct {
	DataID string
	Group  string
	MD5    string
	Tenant string
}

// EncodeListenItems renders items as a 4-byte big-endian length prefix
// followed by the \x02-separated, \x01-terminated body. Each item is
// "dataId\x02group\x02md5[\x02tenant]\x01".
func EncodeListenItems(items []ListenItem) []byte {
	var body bytes.Buffer
	for _, it := range items {
		body.WriteString(it.DataID)
		body.WriteByte(wordSep)
		body.WriteString(it.Group)
		body.WriteByte(wordSep)
		body.WriteString(it.MD5)
		if it.Tenant != "" {
			body.WriteByte(wordSep)
			body.WriteString(it.Tenant)
		}
		body.WriteByte(lineSep)
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out
}

// DecodeListenItems reverses EncodeListenItems. A zero-length or
// missing prefix is tolerated by falling back to treating the whole
// slice as the body, so callers that hand over an already-unwrapped
// payload (the common case once a transport has already stripped its
// own framing) still parse correctly.
func DecodeListenItems(data []byte) ([]ListenItem, error) {
	body := data
	if len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		if int(n) == len(data)-4 {
			body = data[4:]
		}
	}

	var items []ListenItem
	for _, raw := range bytes.Split(body, []byte{lineSep}) {
		if len(raw) == 0 {
			continue
		}
		fields := bytes.Split(raw, []byte{wordSep})
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed listen item: %q", raw)
		}
		item := ListenItem{
			DataID: string(fields[0]),
			Group:  string(fields[1]),
			MD5:    string(fields[2]),
		}
		if len(fields) >= 4 {
			item.Tenant = string(fields[3])
		}
		items = append(items, item)
	}
	return items, nil
}
