package btree

import "encoding/binary"

// Int64KeySize is the width of keys produced by Int64Key.
const Int64KeySize = 8

// Int64Key encodes v as a fixed 8-byte key whose bytes.Compare order matches
// signed integer order (the sign bit is flipped).
func Int64Key(v int64) []byte {
	key := make([]byte, Int64KeySize)
	binary.BigEndian.PutUint64(key, uint64(v)^(1<<63))
	return key
}

// Int64FromKey decodes a key produced by Int64Key.
func Int64FromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}
