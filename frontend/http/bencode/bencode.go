// Package bencode implements bencoding of tracker responses as defined in
// BEP 3, using a type switch instead of reflection.
package bencode

// Dict represents a bencode dictionary.
type Dict map[string]interface{}

// List represents a bencode list.
type List []interface{}
