// Package bencode implements the bencode codec used by torrent files and
// tracker responses: a decoder and encoder over a canonical in-memory
// representation, with encode always emitting dictionary keys in sorted
// byte order.
package bencode

import "fmt"

// Value is a bencode value: an Integer, a String, a List or a Dict.
// It is a closed sum type — the only implementations are the four
// concrete types in this file — so a switch over a Value's dynamic type
// is exhaustive.
type Value interface {
	isValue()
}

// Integer is a bencoded signed 64-bit integer ("i<decimal>e").
type Integer int64

func (Integer) isValue() {}

// String is a bencoded byte string ("<len>:<bytes>"). It is not
// necessarily UTF-8; torrent files use it for both text fields and raw
// binary blobs (info-hashes, piece hash concatenations).
type String []byte

func (String) isValue() {}

// List is a bencoded ordered sequence of values ("l<items>e").
type List []Value

func (List) isValue() {}

// Dict is a bencoded mapping from byte-string keys to values
// ("d<pairs>e"). Decode accepts any key order; Encode always emits keys
// in ascending lexicographic byte order, which is the canonical form the
// info-hash is computed over.
type Dict map[string]Value

func (Dict) isValue() {}

// Get returns the value at key and whether it was present.
func (d Dict) Get(key string) (Value, bool) {
	v, ok := d[key]
	return v, ok
}

// GetString returns the String value at key, or an error if it is
// missing or not a String.
func (d Dict) GetString(key string) (String, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("bencode: dictionary missing key %q", key)
	}
	s, ok := v.(String)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a string", key)
	}
	return s, nil
}

// GetInteger returns the Integer value at key, or an error if it is
// missing or not an Integer.
func (d Dict) GetInteger(key string) (Integer, error) {
	v, ok := d[key]
	if !ok {
		return 0, fmt.Errorf("bencode: dictionary missing key %q", key)
	}
	i, ok := v.(Integer)
	if !ok {
		return 0, fmt.Errorf("bencode: key %q is not an integer", key)
	}
	return i, nil
}

// GetList returns the List value at key, or an error if it is missing or
// not a List.
func (d Dict) GetList(key string) (List, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("bencode: dictionary missing key %q", key)
	}
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a list", key)
	}
	return l, nil
}

// GetDict returns the Dict value at key, or an error if it is missing or
// not a Dict.
func (d Dict) GetDict(key string) (Dict, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("bencode: dictionary missing key %q", key)
	}
	sub, ok := v.(Dict)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a dictionary", key)
	}
	return sub, nil
}
