package exchange

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// EpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
	EpochOffset int64 = 2_208_988_800

	// LegacyReplySize is the length of a legacy time reply: twelve
	// big-endian 32-bit fields.
	LegacyReplySize = 48

	// transmit timestamp seconds, the 11th field
	legacyTransmitOffset = 40
)

// DecodeLegacyTimestamp returns the transmit timestamp of a legacy time
// reply as seconds since the Unix epoch. Bytes past the first 48 are ignored.
func DecodeLegacyTimestamp(reply []byte) (int64, error) {
	if len(reply) < LegacyReplySize {
		return 0, &Error{
			Op:   "decode",
			Kind: ErrMalformedReply,
			Err:  fmt.Errorf("got %d bytes, need %d", len(reply), LegacyReplySize),
		}
	}
	secs := binary.BigEndian.Uint32(reply[legacyTransmitOffset : legacyTransmitOffset+4])
	return int64(secs) - EpochOffset, nil
}

func LegacyTime(reply []byte) (time.Time, error) {
	secs, err := DecodeLegacyTimestamp(reply)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
