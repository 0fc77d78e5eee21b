package entry

import "time"

// RecordType identifies the ledger command a record carries.
type RecordType uint8

const (
	RecordDeposit RecordType = iota + 1
	RecordCreate
	RecordFulfill
	RecordDispute
	RecordSettle
)

func (t RecordType) String() string {
	switch t {
	case RecordDeposit:
		return "deposit"
	case RecordCreate:
		return "create"
	case RecordFulfill:
		return "fulfill"
	case RecordDispute:
		return "dispute"
	case RecordSettle:
		return "settle"
	default:
		return "unknown"
	}
}

// Record is one framed WAL entry. Data is the encoded command.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
