package tuplemodel

import (
	"encoding/binary"
	"io"

	"github.com/streamwindow/joindb/pkg/engineerr"
)

// Encode writes one tuple using the layout from spec.md §6.2:
//
//	[u64 ts][u8 value_kind][value][u32 n_tags][(u32 klen,kbytes,u32 vlen,vbytes)*n_tags][u32 n_fields][...]
//
// The caller is responsible for the outer [u32 len] record framing used by
// the WAL; SSTable data blocks use this same encoding without that prefix.
func Encode(w io.Writer, t Tuple) error {
	if err := binary.Write(w, binary.LittleEndian, t.Ts); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(t.Value.Kind)); err != nil {
		return err
	}
	switch t.Value.Kind {
	case ValueScalar:
		if err := binary.Write(w, binary.LittleEndian, t.Value.Scalar); err != nil {
			return err
		}
	case ValueVector:
		if err := binary.Write(w, binary.LittleEndian, uint64(len(t.Value.Vector))); err != nil {
			return err
		}
		for _, f := range t.Value.Vector {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return err
			}
		}
	}
	if err := writeOrderedMap(w, t.Tags); err != nil {
		return err
	}
	if err := writeOrderedMap(w, t.Fields); err != nil {
		return err
	}
	return nil
}

func writeOrderedMap(w io.Writer, om *OrderedMap) error {
	entries := om.Entries()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeString(w, e.Key); err != nil {
			return err
		}
		if err := writeString(w, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// Decode reads one tuple encoded by Encode.
func Decode(r io.Reader) (Tuple, error) {
	var t Tuple
	if err := binary.Read(r, binary.LittleEndian, &t.Ts); err != nil {
		return Tuple{}, err
	}
	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return Tuple{}, err
	}
	switch ValueKind(kind) {
	case ValueScalar:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return Tuple{}, err
		}
		t.Value = NewScalar(f)
	case ValueVector:
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Tuple{}, err
		}
		vec := make([]float64, n)
		for i := range vec {
			if err := binary.Read(r, binary.LittleEndian, &vec[i]); err != nil {
				return Tuple{}, err
			}
		}
		t.Value = Value{Kind: ValueVector, Vector: vec}
	default:
		return Tuple{}, engineerr.Corrupt("Decode", "unknown value kind", nil)
	}

	tags, err := readOrderedMap(r)
	if err != nil {
		return Tuple{}, err
	}
	t.Tags = tags

	fields, err := readOrderedMap(r)
	if err != nil {
		return Tuple{}, err
	}
	t.Fields = fields

	return t, nil
}

func readOrderedMap(r io.Reader) (*OrderedMap, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	om := NewOrderedMap()
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		om.Set(k, v)
	}
	return om, nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
