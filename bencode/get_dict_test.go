package bencode

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//the bytes Get returns for "info" must be the exact span the encoder
//produced, that's what the info hash is computed from.
func TestGetInfoSpan(t *testing.T) {
	info := map[string]interface{}{
		"name":         "a",
		"piece length": 1 << 14,
		"pieces":       string(make([]byte, 20)),
		"length":       333,
	}
	data, err := Encode(map[string]interface{}{
		"announce": "http://localhost:8080/announce",
		"info":     info,
	})
	require.NoError(t, err)
	infoBenc, err := Encode(info)
	require.NoError(t, err)
	value, ok, err := Get(data, "info")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, string(infoBenc), string(value))
	assert.EqualValues(t, sha1.Sum(infoBenc), sha1.Sum(value))
	_, ok, err = Get(data, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet(t *testing.T) {
	data := []string{
		"omg this is not a dict",
		"d8:announce3:lol4:memale7:instantd5:aaaaa4:bbbb1:ai3333eee",
		"dbad_inpute",
	}

	_, ok, err := Get([]byte(data[0]), "garbage")
	if ok {
		t.Fatal("it was in dict unexpectedly")
	}

	require.EqualValues(t, fmt.Errorf("bencode get: %w", ErrNoDict), err)
	value, ok, err := Get([]byte(data[1]), "instant")
	if !ok {
		t.Fatal("instant wasn't in dict")
	}
	assert.EqualValues(t, string(value), "d5:aaaaa4:bbbb1:ai3333ee")
	_, ok, err = Get([]byte(data[2]), "garbage")
	if ok {
		t.Fatal("it was in dict unexpectedly")
	}
	var uv *UnknownValueError
	if !errors.As(err, &uv) {
		t.Fatal("no unknown error value")
	}
}
