package command

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a command as MessagePack, the format used for log
// entries and snapshots.
func Encode(cmd *Command) ([]byte, error) {
	data, err := msgpack.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: encode %q: %w", cmd.Kind, err)
	}
	return data, nil
}

// Decode deserializes a MessagePack-encoded command.
func Decode(data []byte) (*Command, error) {
	var cmd Command
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("command: decode: %w", err)
	}
	return &cmd, nil
}

// EncodeJSON serializes a command as JSON. Used on the wire surface and
// for debugging dumps; log entries use Encode.
func EncodeJSON(cmd *Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: encode json %q: %w", cmd.Kind, err)
	}
	return data, nil
}

// DecodeJSON deserializes a JSON-encoded command.
func DecodeJSON(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("command: decode json: %w", err)
	}
	return &cmd, nil
}

// Checksum returns the CRC32 (IEEE) of an encoded command. Log entries
// carry it so replay can refuse corrupted records instead of applying
// them.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Verify recomputes the checksum of data and compares it against want.
func Verify(data []byte, want uint32) bool {
	return crc32.ChecksumIEEE(data) == want
}
