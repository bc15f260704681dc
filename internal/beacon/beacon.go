// Package beacon classifies raw BLE manufacturer data and decodes
// iBeacon-format advertisements into typed records. Most ambient radio
// traffic is not a beacon, so rejection is a normal outcome reported as a
// boolean rather than an error.
package beacon

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// PayloadLen is the exact length of a beacon manufacturer-data payload,
// including the two-byte company identifier.
const PayloadLen = 25

// Signature is the little-endian company identifier (0x004C) that opens
// every beacon payload.
var Signature = [2]byte{0x4C, 0x00}

// Advertisement is the only shape the presence pipeline accepts from the
// radio. Payload is the raw manufacturer data with the company identifier
// still in front; it is empty when the advertisement carried none.
type Advertisement struct {
	Payload []byte
	RSSI    int
	Address string
}

// Record is a decoded beacon advertisement.
type Record struct {
	Manufacturer   [2]byte
	ProximityID    string // canonical lowercase 8-4-4-4-12 form
	Major          uint16
	Minor          uint16
	ReferencePower int8 // calibrated dBm at one meter
	MeasuredPower  int  // RSSI at receipt, dBm
}

// IsBeacon reports whether payload has the exact beacon length and
// signature.
func IsBeacon(payload []byte) bool {
	return len(payload) == PayloadLen &&
		payload[0] == Signature[0] &&
		payload[1] == Signature[1]
}

// Decode parses payload into a Record. The second return value is false
// when the payload is not a beacon.
//
// Layout: company id (2), type 0x02 (1), length 0x15 (1), proximity UUID
// (16), major (2, big endian), minor (2, big endian), tx power (1, signed).
func Decode(payload []byte) (Record, bool) {
	if !IsBeacon(payload) {
		return Record{}, false
	}

	id, err := uuid.FromBytes(payload[4:20])
	if err != nil {
		return Record{}, false
	}

	return Record{
		Manufacturer:   Signature,
		ProximityID:    id.String(),
		Major:          binary.BigEndian.Uint16(payload[20:22]),
		Minor:          binary.BigEndian.Uint16(payload[22:24]),
		ReferencePower: int8(payload[24]),
	}, true
}

// DecodeAdvertisement decodes adv and stamps the measured signal
// strength onto the record.
func DecodeAdvertisement(adv Advertisement) (Record, bool) {
	rec, ok := Decode(adv.Payload)
	if !ok {
		return Record{}, false
	}
	rec.MeasuredPower = adv.RSSI
	return rec, true
}

// Encode builds a beacon payload. It is the inverse of [Decode].
func Encode(id uuid.UUID, major, minor uint16, power int8) []byte {
	p := make([]byte, PayloadLen)
	p[0], p[1] = Signature[0], Signature[1]
	p[2], p[3] = 0x02, 0x15
	copy(p[4:20], id[:])
	binary.BigEndian.PutUint16(p[20:22], major)
	binary.BigEndian.PutUint16(p[22:24], minor)
	p[24] = byte(power)
	return p
}
