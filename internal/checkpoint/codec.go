package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// encodeRecord packs header (as length-prefixed JSON) followed by the raw
// payload bytes into a single badger value.
func encodeRecord(header Header, payload []byte) ([]byte, error) {
	hb, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode header: %w", err)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(hb))); err != nil {
		return nil, err
	}
	buf.Write(hb)
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (Header, []byte, error) {
	r := bytes.NewReader(b)
	var hlen uint32
	if err := binary.Read(r, binary.BigEndian, &hlen); err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: decode header length: %w", err)
	}
	hb := make([]byte, hlen)
	if _, err := io.ReadFull(r, hb); err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: decode header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(hb, &header); err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: unmarshal header: %w", err)
	}
	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: read payload: %w", err)
	}
	return header, payload, nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode manifest: %w", err)
	}
	return b, nil
}

func decodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: decode manifest: %w", err)
	}
	return m, nil
}
