package bencode

import (
	"bytes"
	"errors"
	"reflect"
	"sort"
	"strconv"
)

//Encode serializes v to its bencoded form. Struct fields take their
//dictionary key from the `bencode` tag (field name otherwise). Fields
//tagged `bencode:"-"` are skipped and fields tagged `empty:"omit"` are
//skipped when they hold their type's zero value.
func Encode(v interface{}) ([]byte, error) {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return nil, nil
	}
	var b bytes.Buffer
	err := encode(val, &b)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encode(v reflect.Value, b *bytes.Buffer) error {
	t := v.Type()
	switch t.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return errors.New("cannot encode a nil interface")
		}
		return encode(v.Elem(), b)
	case reflect.Ptr:
		//nil pointers encode as the zero value of what they point to
		if v.IsNil() {
			return encode(reflect.New(t.Elem()).Elem(), b)
		}
		return encode(v.Elem(), b)
	//i<integer encoded in base ten ASCII>e
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s := strconv.FormatInt(v.Int(), 10)
		b.WriteString("i" + s + "e")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s := strconv.FormatUint(v.Uint(), 10)
		b.WriteString("i" + s + "e")
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("i1e")
		} else {
			b.WriteString("i0e")
		}
	//<string length encoded in base ten ASCII>:<string data>
	case reflect.String:
		b.WriteString(strconv.Itoa(len(v.String())) + ":" + v.String())
	// l<bencoded values>e
	case reflect.Slice:
		//if it's a slice of Uint8 (aka bytes), then encode as string.
		//else, as bencode type.
		if t.Elem().Kind() == reflect.Uint8 {
			s := v.Bytes()
			b.WriteString(strconv.Itoa(len(s)) + ":" + string(s))
			return nil
		}
		b.WriteString("l")
		for i := 0; i < v.Len(); i++ {
			if err := encode(v.Index(i), b); err != nil {
				return err
			}
		}
		b.WriteString("e")
	//d<bencoded string><bencoded element>e
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return errors.New("map keys are not of type string")
		}
		keys := string_reflect(v.MapKeys())
		sort.Sort(keys)
		b.WriteString("d")
		for i := 0; i < len(keys); i++ {
			if err := encode(keys[i], b); err != nil {
				return err
			}
			if err := encode(v.MapIndex(keys[i]), b); err != nil {
				return err
			}
		}
		b.WriteString("e")
	//treat struct like dicts - field name is the key of the dict.
	//d<bencoded string><bencoded element>e
	case reflect.Struct:
		sf := make(sfield_slice, 0, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			f := sfield(t.Field(i))
			if f.Tag.Get("bencode") == "-" {
				continue
			}
			if f.Tag.Get("empty") == "omit" && v.Field(i).IsZero() {
				continue
			}
			sf = append(sf, f)
		}
		sort.Sort(sf)
		b.WriteString("d")
		for i := 0; i < len(sf); i++ {
			//encode string and field
			b.WriteString(strconv.Itoa(len(sf.get(i))) + ":" + sf.get(i))
			if err := encode(v.FieldByName(sf[i].Name), b); err != nil {
				return err
			}
		}
		b.WriteString("e")
	default:
		return errors.New("Unsupported type")
	}
	return nil
}

type string_reflect []reflect.Value

func (s string_reflect) Len() int           { return len(s) }
func (s string_reflect) Less(i, j int) bool { return s[i].String() < s[j].String() }
func (s string_reflect) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

type sfield reflect.StructField

type sfield_slice []sfield

func (s sfield_slice) Len() int           { return len(s) }
func (s sfield_slice) Less(i, j int) bool { return s.get(i) < s.get(j) }
func (s sfield_slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

//if a tag with key == 'bencode' is present,
//then return the tag value. Otherwise, return
//the struct field's name.
func (s sfield_slice) get(i int) string {
	var str string
	if str = s[i].Tag.Get("bencode"); str == "" {
		return s[i].Name
	}
	return str
}
