package recovery

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ShareExport is the self-contained form of a guardian share handed to
// the share holder. It carries everything needed to validate and use
// the share without any other engine state.
type ShareExport struct {
	KitID         string `cbor:"kit_id" json:"kit_id"`
	ShareIndex    byte   `cbor:"share_index" json:"share_index"`
	SchemeVersion byte   `cbor:"scheme_version" json:"scheme_version"`
	Ciphertext    []byte `cbor:"ciphertext" json:"ciphertext"`
	IntegrityTag  []byte `cbor:"integrity_tag" json:"integrity_tag"`
	Threshold     int    `cbor:"threshold" json:"threshold"`
	TotalShares   int    `cbor:"total_shares" json:"total_shares"`
}

// Encode serializes the export as CBOR.
func (e *ShareExport) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeShareExport parses a CBOR share export.
func DecodeShareExport(data []byte) (*ShareExport, error) {
	var e ShareExport
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("recovery: decoding share export: %w", err)
	}
	return &e, nil
}
