package snapshot

import (
	"fmt"
)

// PayloadInfo is the NT_KM_GUEST/NT_KM_DYNLINKER descriptor: enough to
// re-locate and re-`payload.Load` the image on restore without
// depending on the live ELF file contents already being in the
// snapshot's PT_LOAD regions (they are — this just records where it
// came from and its entry/load-bias, matching the original's
// km_payload_t round trip).
type PayloadInfo struct {
	Path       string
	LoadAdjust uint64
	EntryGVA   uint64
}

// EncodePayloadInfo serializes a PayloadInfo for an NT_KM_GUEST or
// NT_KM_DYNLINKER note: two fixed uint64s followed by the NUL-terminated path.
func EncodePayloadInfo(p PayloadInfo) []byte {
	out := make([]byte, 16, 16+len(p.Path)+1)
	putU64(out[0:8], p.LoadAdjust)
	putU64(out[8:16], p.EntryGVA)
	out = append(out, p.Path...)
	out = append(out, 0)
	return out
}

// DecodePayloadInfo parses an NT_KM_GUEST/NT_KM_DYNLINKER descriptor.
func DecodePayloadInfo(desc []byte) (PayloadInfo, error) {
	if len(desc) < 17 {
		return PayloadInfo{}, fmt.Errorf("snapshot: short payload-info descriptor")
	}
	p := PayloadInfo{
		LoadAdjust: getU64(desc[0:8]),
		EntryGVA:   getU64(desc[8:16]),
	}
	pathBytes := desc[16:]
	n := len(pathBytes)
	for i, b := range pathBytes {
		if b == 0 {
			n = i
			break
		}
	}
	p.Path = string(pathBytes[:n])
	return p, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
