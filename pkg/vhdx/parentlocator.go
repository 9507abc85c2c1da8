package vhdx

import (
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ParentLocator is the decoded ParentLocator metadata item: a typed
// key/value map (the VHDX locator type carries "relative_path",
// "volume_path", "absolute_win32_path" keys).
type ParentLocator struct {
	LocatorType uuid.UUID
	KeyValue    map[string]string
}

type parentLocatorKVHeader struct {
	keyOffset   uint32
	valueOffset uint32
	keyLength   uint16
	valueLength uint16
}

const (
	parentLocatorHeaderSize  = 20 // LocatorType(16) + Reserved(2) + KeyValueCount(2)
	parentLocatorKVEntrySize = 12
)

// ParseParentLocator decodes a ParentLocator metadata item payload.
func ParseParentLocator(b []byte) (ParentLocator, error) {
	if len(b) < parentLocatorHeaderSize {
		return ParentLocator{}, fmt.Errorf("vhdx: parent locator: %w", sparse.ErrTruncated)
	}
	pl := ParentLocator{
		LocatorType: buf.GUID(b[0:16]),
		KeyValue:    make(map[string]string),
	}
	count := buf.U16LE(b[18:20])
	for i := uint16(0); i < count; i++ {
		off := parentLocatorHeaderSize + int(i)*parentLocatorKVEntrySize
		if off+parentLocatorKVEntrySize > len(b) {
			return ParentLocator{}, fmt.Errorf("vhdx: parent locator: kv entry %d out of range: %w", i, sparse.ErrTruncated)
		}
		e := b[off : off+parentLocatorKVEntrySize]
		kv := parentLocatorKVHeader{
			keyOffset:   buf.U32LE(e[0:4]),
			valueOffset: buf.U32LE(e[4:8]),
			keyLength:   buf.U16LE(e[8:10]),
			valueLength: buf.U16LE(e[10:12]),
		}

		keyEnd := int(kv.keyOffset) + int(kv.keyLength)
		valEnd := int(kv.valueOffset) + int(kv.valueLength)
		if keyEnd > len(b) || valEnd > len(b) {
			return ParentLocator{}, fmt.Errorf("vhdx: parent locator: kv %d string out of range: %w", i, sparse.ErrTruncated)
		}

		key, err := utf16LE.NewDecoder().Bytes(b[kv.keyOffset:keyEnd])
		if err != nil {
			return ParentLocator{}, fmt.Errorf("vhdx: parent locator: decode key: %w", err)
		}
		val, err := utf16LE.NewDecoder().Bytes(b[kv.valueOffset:valEnd])
		if err != nil {
			return ParentLocator{}, fmt.Errorf("vhdx: parent locator: decode value: %w", err)
		}
		pl.KeyValue[string(key)] = string(val)
	}
	return pl, nil
}

// Serialize encodes pl into a ParentLocator metadata item payload: header,
// then one KV-offset table entry per key, then the UTF-16LE string data.
func (pl ParentLocator) Serialize() ([]byte, error) {
	keys := make([]string, 0, len(pl.KeyValue))
	for k := range pl.KeyValue {
		keys = append(keys, k)
	}

	header := make([]byte, parentLocatorHeaderSize)
	buf.PutGUID(header[0:16], pl.LocatorType)
	buf.PutU16LE(header[18:20], uint16(len(keys)))

	kvTable := make([]byte, len(keys)*parentLocatorKVEntrySize)
	var strData []byte
	dataBase := parentLocatorHeaderSize + len(kvTable)

	for i, k := range keys {
		v := pl.KeyValue[k]
		keyBytes, err := utf16LE.NewEncoder().Bytes([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("vhdx: parent locator: encode key %q: %w", k, err)
		}
		valBytes, err := utf16LE.NewEncoder().Bytes([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("vhdx: parent locator: encode value for %q: %w", k, err)
		}

		keyOff := dataBase + len(strData)
		strData = append(strData, keyBytes...)
		valOff := dataBase + len(strData)
		strData = append(strData, valBytes...)

		dst := kvTable[i*parentLocatorKVEntrySize : (i+1)*parentLocatorKVEntrySize]
		buf.PutU32LE(dst[0:4], uint32(keyOff))
		buf.PutU32LE(dst[4:8], uint32(valOff))
		buf.PutU16LE(dst[8:10], uint16(len(keyBytes)))
		buf.PutU16LE(dst[10:12], uint16(len(valBytes)))
	}

	out := make([]byte, 0, dataBase+len(strData))
	out = append(out, header...)
	out = append(out, kvTable...)
	out = append(out, strData...)
	return out, nil
}
