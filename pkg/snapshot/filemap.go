package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FileMapEntry is one mapped-file record: the live standard Linux core
// NT_FILE format records which byte range of guest address space maps
// which file, so a debugger (or this engine, on restore) can tell
// mmap'd file-backed regions apart from anonymous memory.
type FileMapEntry struct {
	Start, End, FileOfs uint64
	Path                string
}

// EncodeFileMap serializes entries as one NT_FILE descriptor: a
// {count, page_size} header, then count fixed {start,end,file_ofs}
// triples, then the NUL-terminated path strings in the same order —
// exactly the layout Linux core dumps use.
func EncodeFileMap(entries []FileMapEntry, pageSize uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(entries)))
	binary.Write(&buf, binary.LittleEndian, pageSize)
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, [3]uint64{e.Start, e.End, e.FileOfs})
	}
	for _, e := range entries {
		buf.WriteString(e.Path)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeFileMap parses an NT_FILE descriptor.
func DecodeFileMap(desc []byte) ([]FileMapEntry, error) {
	if len(desc) < 16 {
		return nil, fmt.Errorf("snapshot: short NT_FILE descriptor")
	}
	count := binary.LittleEndian.Uint64(desc[0:8])
	off := 16
	entries := make([]FileMapEntry, count)
	for i := range entries {
		if off+24 > len(desc) {
			return nil, fmt.Errorf("snapshot: truncated NT_FILE triples")
		}
		entries[i].Start = binary.LittleEndian.Uint64(desc[off:])
		entries[i].End = binary.LittleEndian.Uint64(desc[off+8:])
		entries[i].FileOfs = binary.LittleEndian.Uint64(desc[off+16:])
		off += 24
	}
	for i := range entries {
		end := bytes.IndexByte(desc[off:], 0)
		if end < 0 {
			return nil, fmt.Errorf("snapshot: unterminated NT_FILE path")
		}
		entries[i].Path = string(desc[off : off+end])
		off += end + 1
	}
	return entries, nil
}
