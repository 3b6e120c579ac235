package observe

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/corestore/sqlitecore"
)

// wireChange is the JSON payload published onto a broker subject. Kept
// separate from TableChange so the wire format can evolve independently
// of the public API type. This is an internal transport detail of the
// embedded broker, not the value-to-JSON decoder spec.md §1 calls out as
// an external collaborator's job — that one decodes ColumnValue for a UI
// frontend; this one only needs to survive one process's round trip.
type wireChange struct {
	Table     string      `json:"table"`
	Operation string      `json:"op"`
	RowID     *int64      `json:"rowid,omitempty"`
	PK        []wireValue `json:"pk,omitempty"`
	Old       []wireValue `json:"old,omitempty"`
	New       []wireValue `json:"new,omitempty"`
	Timestamp string      `json:"ts"`
}

// wireValue is ColumnValue's wire form. Real is carried as a string via
// strconv.FormatFloat so ±Inf/NaN survive — encoding/json itself refuses
// to marshal non-finite floats.
type wireValue struct {
	Kind int    `json:"k"`
	I    int64  `json:"i,omitempty"`
	Real string `json:"f,omitempty"`
	S    string `json:"s,omitempty"`
	B    []byte `json:"b,omitempty"`
}

func encodeValue(v sqlitecore.ColumnValue) wireValue {
	w := wireValue{Kind: int(v.Kind())}
	switch v.Kind() {
	case sqlitecore.KindInteger:
		w.I, _ = v.Int64()
	case sqlitecore.KindReal:
		f, _ := v.Float64()
		w.Real = strconv.FormatFloat(f, 'g', -1, 64)
	case sqlitecore.KindText:
		w.S, _ = v.Text()
	case sqlitecore.KindBlob:
		w.B, _ = v.Blob()
	}
	return w
}

func decodeValue(w wireValue) sqlitecore.ColumnValue {
	switch sqlitecore.ValueKind(w.Kind) {
	case sqlitecore.KindInteger:
		return sqlitecore.IntegerValue(w.I)
	case sqlitecore.KindReal:
		f, _ := strconv.ParseFloat(w.Real, 64)
		return sqlitecore.RealValue(f)
	case sqlitecore.KindText:
		return sqlitecore.TextValue(w.S)
	case sqlitecore.KindBlob:
		return sqlitecore.BlobValue(w.B)
	default:
		return sqlitecore.NullValue()
	}
}

func encodeValues(vs []sqlitecore.ColumnValue) []wireValue {
	if vs == nil {
		return nil
	}
	out := make([]wireValue, len(vs))
	for i, v := range vs {
		out[i] = encodeValue(v)
	}
	return out
}

func decodeValues(vs []wireValue) []sqlitecore.ColumnValue {
	if vs == nil {
		return nil
	}
	out := make([]sqlitecore.ColumnValue, len(vs))
	for i, v := range vs {
		out[i] = decodeValue(v)
	}
	return out
}

func encodeChange(c TableChange) []byte {
	w := wireChange{
		Table:     c.Table,
		Operation: c.Operation.String(),
		RowID:     c.RowID,
		PK:        encodeValues(c.PrimaryKey),
		Old:       encodeValues(c.OldValues),
		New:       encodeValues(c.NewValues),
		Timestamp: c.Timestamp.Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(w)
	if err != nil {
		// Every field above has a defined, always-marshalable shape; this
		// would only trip if encoding/json itself were broken.
		return []byte(`{}`)
	}
	return b
}

func decodeChange(payload []byte) (TableChange, error) {
	var w wireChange
	if err := json.Unmarshal(payload, &w); err != nil {
		return TableChange{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, w.Timestamp)
	return TableChange{
		Table:      w.Table,
		Operation:  operationFromString(w.Operation),
		RowID:      w.RowID,
		PrimaryKey: decodeValues(w.PK),
		OldValues:  decodeValues(w.Old),
		NewValues:  decodeValues(w.New),
		Timestamp:  ts,
	}, nil
}

func operationFromString(s string) Operation {
	switch s {
	case "INSERT":
		return OpInsert
	case "DELETE":
		return OpDelete
	default:
		return OpUpdate
	}
}
