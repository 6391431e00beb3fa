// Package metainfo decodes a bencode dictionary into torrent metadata and
// derives its info-hash from the canonical re-encoding of the info
// sub-dictionary.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"path/filepath"

	"github.com/halvorsen/gorent/bencode"
)

// FileEntry describes one file of a multi-file torrent layout.
type FileEntry struct {
	// CumOffset is the byte offset of this file's first byte within
	// the logical concatenation of all files (the same space pieces
	// are indexed over).
	CumOffset int64
	Length    int64
	Path      string
}

// Info is the decoded `info` sub-dictionary of a torrent file.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	Private     bool

	// Length is the total content length: the single file's length,
	// or the sum of Files' lengths.
	Length int64
	// Files is non-nil only for a multi-file layout.
	Files []FileEntry
}

// Multi reports whether this is a multi-file layout.
func (i *Info) Multi() bool {
	return i.Files != nil
}

// Metainfo is a fully decoded torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Nodes        []string
	URLList      []string
	Info         Info
	// InfoHash is the SHA-1 of the canonical bencode re-encoding of
	// the info sub-dictionary (spec §3, §4.B).
	InfoHash [20]byte
}

// Error kinds for metadata decoding (spec §4.B).
type ErrorKind int

const (
	MissingField ErrorKind = iota
	InvalidField
	IncompatibleLayout
)

// Error is a metadata decode error naming the offending field.
type Error struct {
	Kind  ErrorKind
	Field string
	Msg   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("metainfo: missing field %q", e.Field)
	case IncompatibleLayout:
		return fmt.Sprintf("metainfo: incompatible file layout: %s", e.Msg)
	default:
		return fmt.Sprintf("metainfo: invalid field %q: %s", e.Field, e.Msg)
	}
}

// Parse reads a complete torrent file from r and decodes it.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	top, ok := v.(bencode.Dict)
	if !ok {
		return nil, &Error{Kind: InvalidField, Field: "<root>", Msg: "torrent file is not a dictionary"}
	}
	return Decode(top)
}

// Decode decodes an already-parsed top-level bencode dictionary into
// Metainfo. At least one of announce, announce-list, nodes or url-list
// must be present; info is always required.
func Decode(top bencode.Dict) (*Metainfo, error) {
	announce, hasAnnounce := stringField(top, "announce")
	announceList, hasAnnounceList := announceListField(top)
	nodes, hasNodes := nodesField(top)
	urlList, hasURLList := urlListField(top)

	if !hasAnnounce && !hasAnnounceList && !hasNodes && !hasURLList {
		return nil, &Error{Kind: MissingField, Field: "announce/announce-list/nodes/url-list"}
	}

	infoVal, ok := top["info"]
	if !ok {
		return nil, &Error{Kind: MissingField, Field: "info"}
	}
	infoDict, ok := infoVal.(bencode.Dict)
	if !ok {
		return nil, &Error{Kind: InvalidField, Field: "info", Msg: "not a dictionary"}
	}

	info, err := decodeInfo(infoDict)
	if err != nil {
		return nil, err
	}

	infoHash := sha1.Sum(bencode.Encode(infoDict))

	return &Metainfo{
		Announce:     announce,
		AnnounceList: announceList,
		Nodes:        nodes,
		URLList:      urlList,
		Info:         *info,
		InfoHash:     infoHash,
	}, nil
}

func decodeInfo(dict bencode.Dict) (*Info, error) {
	name, ok := stringField(dict, "name")
	if !ok {
		return nil, &Error{Kind: MissingField, Field: "info.name"}
	}

	pieceLenVal, err := dict.GetInteger("piece length")
	if err != nil {
		return nil, &Error{Kind: MissingField, Field: "info.piece length"}
	}
	if pieceLenVal <= 0 {
		return nil, &Error{Kind: InvalidField, Field: "info.piece length", Msg: "must be positive"}
	}

	piecesStr, err := dict.GetString("pieces")
	if err != nil {
		return nil, &Error{Kind: MissingField, Field: "info.pieces"}
	}
	if len(piecesStr)%20 != 0 {
		return nil, &Error{Kind: InvalidField, Field: "info.pieces", Msg: "length not a multiple of 20"}
	}
	pieces := make([][20]byte, len(piecesStr)/20)
	for i := range pieces {
		copy(pieces[i][:], piecesStr[i*20:(i+1)*20])
	}

	private := false
	if privVal, err := dict.GetInteger("private"); err == nil && privVal != 0 {
		private = true
	}

	_, hasLength := dict.Get("length")
	_, hasFiles := dict.Get("files")
	if hasLength == hasFiles {
		return nil, &Error{Kind: IncompatibleLayout, Msg: "exactly one of length or files must be present"}
	}

	info := &Info{
		Name:        name,
		PieceLength: int64(pieceLenVal),
		Pieces:      pieces,
		Private:     private,
	}

	if hasLength {
		lengthVal, err := dict.GetInteger("length")
		if err != nil {
			return nil, &Error{Kind: InvalidField, Field: "info.length", Msg: err.Error()}
		}
		info.Length = int64(lengthVal)
		return info, nil
	}

	filesVal, err := dict.GetList("files")
	if err != nil {
		return nil, &Error{Kind: InvalidField, Field: "info.files", Msg: err.Error()}
	}
	files, total, err := decodeFiles(filesVal)
	if err != nil {
		return nil, err
	}
	info.Files = files
	info.Length = total
	return info, nil
}

func decodeFiles(list bencode.List) ([]FileEntry, int64, error) {
	entries := make([]FileEntry, len(list))
	var offset int64
	for i, v := range list {
		dict, ok := v.(bencode.Dict)
		if !ok {
			return nil, 0, &Error{Kind: InvalidField, Field: fmt.Sprintf("info.files[%d]", i), Msg: "not a dictionary"}
		}
		lengthVal, err := dict.GetInteger("length")
		if err != nil {
			return nil, 0, &Error{Kind: MissingField, Field: fmt.Sprintf("info.files[%d].length", i)}
		}
		pathList, err := dict.GetList("path")
		if err != nil || len(pathList) == 0 {
			return nil, 0, &Error{Kind: MissingField, Field: fmt.Sprintf("info.files[%d].path", i)}
		}
		parts := make([]string, len(pathList))
		for j, p := range pathList {
			s, ok := p.(bencode.String)
			if !ok {
				return nil, 0, &Error{Kind: InvalidField, Field: fmt.Sprintf("info.files[%d].path[%d]", i, j), Msg: "not a byte-string"}
			}
			parts[j] = string(s)
		}
		entries[i] = FileEntry{
			CumOffset: offset,
			Length:    int64(lengthVal),
			Path:      filepath.Join(parts...),
		}
		offset += int64(lengthVal)
	}
	return entries, offset, nil
}

func stringField(d bencode.Dict, key string) (string, bool) {
	s, err := d.GetString(key)
	if err != nil {
		return "", false
	}
	return string(s), true
}

func announceListField(d bencode.Dict) ([][]string, bool) {
	list, err := d.GetList("announce-list")
	if err != nil {
		return nil, false
	}
	result := make([][]string, 0, len(list))
	for _, tier := range list {
		tierList, ok := tier.(bencode.List)
		if !ok {
			continue
		}
		urls := make([]string, 0, len(tierList))
		for _, u := range tierList {
			s, ok := u.(bencode.String)
			if !ok || len(s) == 0 {
				continue
			}
			urls = append(urls, string(s))
		}
		if len(urls) > 0 {
			result = append(result, urls)
		}
	}
	return result, len(result) > 0
}

func nodesField(d bencode.Dict) ([]string, bool) {
	list, err := d.GetList("nodes")
	if err != nil {
		return nil, false
	}
	var nodes []string
	for _, n := range list {
		pair, ok := n.(bencode.List)
		if !ok || len(pair) != 2 {
			continue
		}
		host, ok1 := pair[0].(bencode.String)
		port, ok2 := pair[1].(bencode.Integer)
		if !ok1 || !ok2 {
			continue
		}
		nodes = append(nodes, fmt.Sprintf("%s:%d", host, port))
	}
	return nodes, len(nodes) > 0
}

func urlListField(d bencode.Dict) ([]string, bool) {
	if list, err := d.GetList("url-list"); err == nil {
		var urls []string
		for _, u := range list {
			if s, ok := u.(bencode.String); ok {
				urls = append(urls, string(s))
			}
		}
		return urls, len(urls) > 0
	}
	if s, err := d.GetString("url-list"); err == nil && len(s) > 0 {
		return []string{string(s)}, true
	}
	return nil, false
}
