package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so identical classes encode to identical
// bytes; the change tracker relies on that.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalClass serializes a ClassFile to CBOR bytes.
func MarshalClass(cf *ClassFile) ([]byte, error) {
	return cborEncMode.Marshal(cf)
}

// UnmarshalClass deserializes and validates a ClassFile.
func UnmarshalClass(data []byte) (*ClassFile, error) {
	var cf ClassFile
	if err := cbor.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal class: %w", err)
	}
	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("bytecode: %w", err)
	}
	return &cf, nil
}
