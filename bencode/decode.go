package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

//Decode parses bencoded data into v which must be a non nil pointer.
//Struct fields take their dictionary key from the `bencode` tag (the field
//name otherwise), fields tagged `bencode:"-"` are ignored and keys the
//struct doesn't model are skipped.
func Decode(data []byte, v interface{}) error {
	val := reflect.ValueOf(v)
	if !val.IsValid() || val.Type().Kind() != reflect.Ptr || val.IsNil() {
		return errors.New("v should be a non nil pointer")
	}
	r := benReader{bytes.NewBuffer(data)}
	err := decode(r, val)
	if err != nil {
		return err
	}
	_, err = r.b.ReadByte()
	if err == nil || err != io.EOF {
		return errors.New("data structure provided was filled but bencoded buffer wasn't consumed")
	}
	return nil
}

//Parse the bencoded string based on v.
//That means that we will expect each bencoded value
//to have type compatible with v (and not the opposite).
func decode(r benReader, v reflect.Value) error {
	if !v.IsValid() {
		panic("did not expected zero value at start of decode func.Developer's mistake!")
	}
	t := v.Type()
	switch v.Kind() {
	case reflect.Interface:
		//we don't know what to expect so let the data drive the types
		val, err := r.readBenAny()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(val))
	case reflect.Ptr:
		//if pointer is nil, create a new zeroed (but not nil) value of type
		//v.Elem(), decode into that and make v point at it.
		if v.IsNil() {
			p := reflect.New(t.Elem())
			if err := decode(r, p.Elem()); err != nil {
				return err
			}
			v.Set(p)
		} else if err := decode(r, v.Elem()); err != nil {
			return err
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, err := r.readBenInt()
		if err != nil {
			return err
		}
		v.SetInt(num)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		unum, err := r.readBenUint()
		if err != nil {
			return err
		}
		v.SetUint(unum)
	case reflect.Bool:
		bnum, err := r.readBenBool()
		if err != nil {
			return err
		}
		v.SetBool(bnum)
	case reflect.String:
		bytes, err := r.readBenString()
		if err != nil {
			return err
		}
		v.SetString(string(bytes))
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			bytes, err := r.readBenString()
			if err != nil {
				return err
			}
			v.SetBytes(bytes)
			break
		}
		err := r.readBenList(v)
		if err != nil {
			return err
		}
	case reflect.Map:
		err := r.readBenDictMap(v)
		if err != nil {
			return err
		}
	case reflect.Struct:
		err := r.readBenDictStruct(v)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported type %s", t)
	}
	return nil
}

type benReader struct {
	b *bytes.Buffer
}

func (r benReader) readBenString() ([]byte, error) {
	lenbytes, err := r.b.ReadString(byte(':'))
	if err != nil {
		return nil, err
	}
	str_len, err := strconv.ParseInt(lenbytes[:len(lenbytes)-1], 10, 64)
	if err != nil {
		return nil, err
	}
	str := r.b.Next(int(str_len))
	if len(str) != int(str_len) {
		return nil, errors.New("length of string does not correspond to his actual length")
	}
	return str, nil
}

func (r benReader) readBenInt() (int64, error) {
	benInt, err := r.b.ReadString(byte('e'))
	if err != nil {
		return -1, err
	}
	if benInt[0] != 'i' {
		return -1, errors.New("Wanted integer but bencoded hasn't")
	}
	return strconv.ParseInt(benInt[1:len(benInt)-1], 10, 64)
}

func (r benReader) readBenUint() (uint64, error) {
	benInt, err := r.b.ReadString(byte('e'))
	if err != nil {
		return 0, err
	}
	if benInt[0] != 'i' {
		return 0, errors.New("Wanted integer but bencoded hasn't")
	}
	return strconv.ParseUint(benInt[1:len(benInt)-1], 10, 64)
}

func (r benReader) readBenBool() (bool, error) {
	benInt, err := r.b.ReadString(byte('e'))
	if err != nil {
		return false, err
	}
	if len(benInt) != 2 {
		return false, errors.New("Tried to read a Bool but bencoded value wasn't a Bool.")
	}
	if benInt[0] != 'i' {
		return false, errors.New("Wanted integer but bencoded hasn't")
	}
	return strconv.ParseBool(string(benInt[1]))
}

//v can be only of type reflect.Slice.
func (r benReader) readBenList(v reflect.Value) error {
	b, err := r.b.ReadByte()
	if err != nil {
		return err
	}
	if b != 'l' {
		return errors.New("Bencoded has list whereas data structure doesn't.")
	}
	//loop and decode each bencoded element into a fresh value of the
	//slice's element type until we traverse the list's final 'e'.
	for {
		if b, err = r.b.ReadByte(); err != nil {
			return err
		}
		if b == 'e' {
			return nil
		}
		if err = r.b.UnreadByte(); err != nil {
			return err
		}
		e := reflect.New(v.Type().Elem()).Elem()
		if err := decode(r, e); err != nil {
			return err
		}
		v.Set(reflect.Append(v, e))
	}
}

//v can be only of type reflect.Map.
func (r benReader) readBenDictMap(v reflect.Value) error {
	b, err := r.b.ReadByte()
	if err != nil {
		return err
	}
	if b != 'd' {
		return errors.New("Bencoded has dict whereas data structure doesn't.")
	}
	t := v.Type()
	if t.Key().Kind() != reflect.String {
		return errors.New("Maps should have keys of type string")
	}
	if v.IsNil() {
		v.Set(reflect.MakeMap(t))
	}
	for {
		if b, err = r.b.ReadByte(); err != nil {
			return err
		}
		if b == 'e' {
			return nil
		}
		if err = r.b.UnreadByte(); err != nil {
			return err
		}
		keyVal := reflect.New(t.Key()).Elem()
		if err = decode(r, keyVal); err != nil {
			return err
		}
		if b, err = r.b.ReadByte(); err != nil {
			return err
		}
		//some encoders emit a dangling key with no value, drop it
		if b == 'e' {
			return nil
		}
		if err = r.b.UnreadByte(); err != nil {
			return err
		}
		elemVal := reflect.New(t.Elem()).Elem()
		if err = decode(r, elemVal); err != nil {
			return err
		}
		v.SetMapIndex(keyVal, elemVal)
	}
}

//v can be only of type reflect.Struct.
func (r benReader) readBenDictStruct(v reflect.Value) error {
	b, err := r.b.ReadByte()
	if err != nil {
		return err
	}
	if b != 'd' {
		return errors.New("Bencoded has dict whereas data structure doesn't.")
	}
	t := v.Type()
	fields := make(map[string][]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("bencode")
		if key == "-" {
			continue
		}
		if key == "" {
			key = f.Name
		}
		fields[key] = append(fields[key], i)
	}
	for {
		if b, err = r.b.ReadByte(); err != nil {
			return err
		}
		if b == 'e' {
			return nil
		}
		if err = r.b.UnreadByte(); err != nil {
			return err
		}
		key, err := r.readBenString()
		if err != nil {
			return err
		}
		candidates, ok := fields[string(key)]
		if !ok {
			//key we don't model, skip its value
			if _, err := r.readBenAny(); err != nil {
				return err
			}
			continue
		}
		//peek the wire type of the value. Two fields may share a tag when
		//the value's type varies on the wire (tracker "peers" is either a
		//list of dicts or a compact string), so decode into the candidate
		//whose Go type matches what actually arrived.
		if b, err = r.b.ReadByte(); err != nil {
			return err
		}
		if err = r.b.UnreadByte(); err != nil {
			return err
		}
		i := pickField(t, candidates, b)
		if err := decode(r, v.Field(i)); err != nil {
			return err
		}
	}
}

func pickField(t reflect.Type, candidates []int, wire byte) int {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, i := range candidates {
		ft := t.Field(i).Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		switch {
		case wire >= '0' && wire <= '9':
			if ft.Kind() == reflect.String ||
				ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Uint8 {
				return i
			}
		case wire == 'i':
			switch ft.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
				reflect.Int64, reflect.Uint, reflect.Uint8, reflect.Uint16,
				reflect.Uint32, reflect.Uint64, reflect.Bool:
				return i
			}
		case wire == 'l':
			if ft.Kind() == reflect.Slice && ft.Elem().Kind() != reflect.Uint8 {
				return i
			}
		case wire == 'd':
			if ft.Kind() == reflect.Struct || ft.Kind() == reflect.Map {
				return i
			}
		}
	}
	return candidates[0]
}

//readBenAny reads the next bencoded element whatever it is. Integers come
//out as int64, strings as string, lists as []interface{} and dictionaries
//as map[string]interface{}.
func (r benReader) readBenAny() (interface{}, error) {
	b, err := r.b.ReadByte()
	if err != nil {
		return nil, err
	}
	switch {
	case b == 'i':
		if err = r.b.UnreadByte(); err != nil {
			return nil, err
		}
		return r.readBenInt()
	case b >= '0' && b <= '9':
		if err = r.b.UnreadByte(); err != nil {
			return nil, err
		}
		s, err := r.readBenString()
		if err != nil {
			return nil, err
		}
		return string(s), nil
	case b == 'l':
		lst := []interface{}{}
		for {
			if b, err = r.b.ReadByte(); err != nil {
				return nil, err
			}
			if b == 'e' {
				return lst, nil
			}
			if err = r.b.UnreadByte(); err != nil {
				return nil, err
			}
			e, err := r.readBenAny()
			if err != nil {
				return nil, err
			}
			lst = append(lst, e)
		}
	case b == 'd':
		m := map[string]interface{}{}
		for {
			if b, err = r.b.ReadByte(); err != nil {
				return nil, err
			}
			if b == 'e' {
				return m, nil
			}
			if err = r.b.UnreadByte(); err != nil {
				return nil, err
			}
			key, err := r.readBenString()
			if err != nil {
				return nil, err
			}
			if b, err = r.b.ReadByte(); err != nil {
				return nil, err
			}
			//dangling key with no value, drop it
			if b == 'e' {
				return m, nil
			}
			if err = r.b.UnreadByte(); err != nil {
				return nil, err
			}
			val, err := r.readBenAny()
			if err != nil {
				return nil, err
			}
			m[string(key)] = val
		}
	default:
		return nil, &UnknownValueError{string(b)}
	}
}
