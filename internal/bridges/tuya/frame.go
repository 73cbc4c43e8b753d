package tuya

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Frame markers and command words of the 55AA wire format.
const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55

	// CommandControl sets data points on the device.
	CommandControl uint32 = 0x0D

	// CommandUDPNew is the command word of encrypted discovery broadcasts.
	CommandUDPNew uint32 = 0x13

	// headerSize is prefix, seq, cmd and length for parsed frames.
	headerSize = 16

	// trailerSize is CRC32 and suffix.
	trailerSize = 8

	// maxFrameSize caps declared payload lengths of inbound frames.
	maxFrameSize = 4096
)

// dpsPayload is the JSON body of a control command.
// Only data point "1" (the primary switch) is written.
type dpsPayload struct {
	DPS map[string]bool `json:"dps"`
}

// EncodeDataPoints returns the plaintext control payload for an action.
//
// Parameters:
//   - action: "on" or "off"
//
// Returns:
//   - []byte: {"dps":{"1":true}} or {"dps":{"1":false}}
//   - error: ErrInvalidAction for any other action
func EncodeDataPoints(action string) ([]byte, error) {
	a, err := ParseAction(action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dpsPayload{DPS: map[string]bool{"1": a.switchValue()}})
}

// AssembleFrame builds a control frame around an already encrypted payload.
//
// Layout (all words big-endian):
//
//	[0x000055AA][selector][0x0000000D][seq][payload...][crc32]
//
// The selector is 3 below version 3.4 and 4 from 3.4 on. The CRC32 (IEEE)
// covers every preceding byte.
func AssembleFrame(encrypted []byte, v Version, seq uint32) []byte {
	buf := make([]byte, 0, headerSize+len(encrypted)+4)
	buf = binary.BigEndian.AppendUint32(buf, framePrefix)
	buf = binary.BigEndian.AppendUint32(buf, v.Selector())
	buf = binary.BigEndian.AppendUint32(buf, CommandControl)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	buf = append(buf, encrypted...)
	return binary.BigEndian.AppendUint32(buf, Checksum(buf))
}

// Checksum returns the CRC32 (IEEE) of b.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// DiscoveryProbe returns the 20-byte broadcast that prompts devices to
// announce themselves.
func DiscoveryProbe() []byte {
	buf := make([]byte, 0, 20)
	buf = binary.BigEndian.AppendUint32(buf, framePrefix)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	return binary.BigEndian.AppendUint32(buf, frameSuffix)
}

// Frame is a decoded inbound 55AA frame.
type Frame struct {
	Seq     uint32
	Cmd     uint32
	Payload []byte

	// ReturnCode is set when the device prefixed the payload with a
	// 4-byte return code (first three bytes zero).
	ReturnCode    uint32
	HasReturnCode bool
}

// ParseFrame decodes a standard device frame:
//
//	[prefix][seq][cmd][len][retcode?][payload][crc32][suffix]
//
// len counts everything after the header, including CRC and suffix.
// Prefix, suffix, declared length and CRC are all checked.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < headerSize+trailerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than a frame", ErrProtocolParse, len(b))
	}
	if p := binary.BigEndian.Uint32(b[0:4]); p != framePrefix {
		return Frame{}, fmt.Errorf("%w: bad prefix 0x%08X", ErrProtocolParse, p)
	}

	length := int(binary.BigEndian.Uint32(b[12:16]))
	if length < trailerSize || length > maxFrameSize || headerSize+length > len(b) {
		return Frame{}, fmt.Errorf("%w: declared length %d does not fit %d bytes", ErrProtocolParse, length, len(b))
	}
	end := headerSize + length

	if s := binary.BigEndian.Uint32(b[end-4 : end]); s != frameSuffix {
		return Frame{}, fmt.Errorf("%w: bad suffix 0x%08X", ErrProtocolParse, s)
	}
	want := binary.BigEndian.Uint32(b[end-trailerSize : end-4])
	if got := Checksum(b[:end-trailerSize]); got != want {
		return Frame{}, fmt.Errorf("%w: crc mismatch: got 0x%08X, frame says 0x%08X", ErrProtocolParse, got, want)
	}

	f := Frame{
		Seq: binary.BigEndian.Uint32(b[4:8]),
		Cmd: binary.BigEndian.Uint32(b[8:12]),
	}
	payload := b[headerSize : end-trailerSize]
	if len(payload) >= 4 && payload[0] == 0 && payload[1] == 0 && payload[2] == 0 {
		f.ReturnCode = binary.BigEndian.Uint32(payload[:4])
		f.HasReturnCode = true
		payload = payload[4:]
	}
	f.Payload = bytes.Clone(payload)
	return f, nil
}

// DiscoveryReport is what a device announces about itself.
type DiscoveryReport struct {
	DeviceID   string  `json:"gwId"`
	IP         string  `json:"ip"`
	Version    Version `json:"version"`
	ProductKey string  `json:"productKey,omitempty"`
	Encrypted  bool    `json:"encrypt,omitempty"`
}

// ParseDiscoveryReply decodes a broadcast announcement. Plaintext JSON
// payloads (port 6666) are used as-is; anything else is decrypted with the
// shared broadcast key (port 6667).
//
// Returns ErrProtocolParse when the frame, the decryption or the JSON is
// bad, or when gwId is missing.
func ParseDiscoveryReply(b []byte) (DiscoveryReport, error) {
	f, err := ParseFrame(b)
	if err != nil {
		return DiscoveryReport{}, err
	}

	body := f.Payload
	if len(body) == 0 || body[0] != '{' {
		body, err = Decrypt(body, broadcastKey[:], Version33)
		if err != nil {
			return DiscoveryReport{}, fmt.Errorf("%w: decrypting reply: %v", ErrProtocolParse, err)
		}
	}

	var r DiscoveryReport
	if err := json.Unmarshal(body, &r); err != nil {
		return DiscoveryReport{}, fmt.Errorf("%w: reply json: %v", ErrProtocolParse, err)
	}
	if r.DeviceID == "" {
		return DiscoveryReport{}, fmt.Errorf("%w: reply has no gwId", ErrProtocolParse)
	}
	return r, nil
}
