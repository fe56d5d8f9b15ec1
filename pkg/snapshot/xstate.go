package snapshot

import (
	"fmt"
	"unsafe"

	"github.com/sv641/km/internal/kvmapi"
)

// EncodeXState serializes a vCPU's KVM_GET_XSAVE blob for an
// NT_KM_XSTATE note. The monitor never interprets these bytes, just
// carries them opaquely between GET and SET.
func EncodeXState(x *kvmapi.XSave) []byte {
	return append([]byte(nil), asBytes(unsafe.Pointer(x), int(unsafe.Sizeof(*x)))...)
}

// DecodeXState parses an NT_KM_XSTATE note's descriptor bytes.
func DecodeXState(desc []byte) (*kvmapi.XSave, error) {
	var x kvmapi.XSave
	if len(desc) < int(unsafe.Sizeof(x)) {
		return nil, fmt.Errorf("snapshot: short NT_KM_XSTATE descriptor (%d bytes)", len(desc))
	}
	copy(asBytes(unsafe.Pointer(&x), int(unsafe.Sizeof(x))), desc)
	return &x, nil
}
