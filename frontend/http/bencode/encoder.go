package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// An Encoder writes bencoded objects to an output stream.
//
// A value is fully encoded in memory before anything is written, so a value
// that fails to encode never leaves a truncated document on the stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoding of v to the stream.
func (enc *Encoder) Encode(v interface{}) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	_, err = enc.w.Write(b)
	return err
}

// Marshal returns the bencoding of v.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshaler is the interface implemented by objects that can marshal
// themselves.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

func marshal(buf *bytes.Buffer, data interface{}) error {
	switch v := data.(type) {
	case Marshaler:
		b, err := v.MarshalBencode()
		if err != nil {
			return err
		}
		buf.Write(b)

	case []byte:
		marshalBytes(buf, v)
	case string:
		marshalBytes(buf, []byte(v))

	case int:
		marshalInt(buf, int64(v))
	case int32:
		marshalInt(buf, int64(v))
	case int64:
		marshalInt(buf, v)
	case uint16:
		marshalUint(buf, uint64(v))
	case uint32:
		marshalUint(buf, uint64(v))
	case uint64:
		marshalUint(buf, v)
	case bool:
		if v {
			marshalInt(buf, 1)
		} else {
			marshalInt(buf, 0)
		}

	case time.Duration: // seconds
		marshalInt(buf, int64(v/time.Second))

	case Dict:
		return marshalDict(buf, v)
	case map[string]interface{}:
		return marshalDict(buf, v)

	case List:
		return marshalList(buf, v)
	case []interface{}:
		return marshalList(buf, v)
	case []string:
		buf.WriteByte('l')
		for _, s := range v {
			marshalBytes(buf, []byte(s))
		}
		buf.WriteByte('e')
	case []Dict:
		buf.WriteByte('l')
		for _, d := range v {
			if err := marshalDict(buf, d); err != nil {
				return err
			}
		}
		buf.WriteByte('e')

	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}

	return nil
}

func marshalInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(v, 10))
	buf.WriteByte('e')
}

func marshalUint(buf *bytes.Buffer, v uint64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatUint(v, 10))
	buf.WriteByte('e')
}

func marshalBytes(buf *bytes.Buffer, v []byte) {
	buf.WriteString(strconv.Itoa(len(v)))
	buf.WriteByte(':')
	buf.Write(v)
}

func marshalList(buf *bytes.Buffer, v []interface{}) error {
	buf.WriteByte('l')
	for _, val := range v {
		if err := marshal(buf, val); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

// marshalDict writes keys in sorted order as BEP 3 requires.
func marshalDict(buf *bytes.Buffer, v map[string]interface{}) error {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, key := range keys {
		marshalBytes(buf, []byte(key))
		if err := marshal(buf, v[key]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}
