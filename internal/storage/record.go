package storage

// HeaderLen is the size of the fixed portion of an encoded record: an 8 byte key
// followed by an 8 byte value length
const HeaderLen = 16

// Record is an in-memory representation of a single key and its document bytes
type Record struct {
	Key   uint64
	Value []byte
}

func NewRecord(key uint64, value []byte) *Record {
	return &Record{
		Key:   key,
		Value: value,
	}
}

// EncodedLen returns the number of bytes the record occupies on disk
func (r *Record) EncodedLen() uint64 {
	return HeaderLen + uint64(len(r.Value))
}
