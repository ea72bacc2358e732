// Package sntp speaks the small subset of the time protocol the boards use:
// a 48 byte request and a reply whose transmit timestamp is read back.
package sntp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"beatled/pkg/exchange"
	"beatled/pkg/pserver"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const name = "beatled/pkg/sntp"

var logger = otelslog.NewLogger(name)

const Port = 123

const (
	// 00 011 011: no leap warning, version 3, client
	requestFlags = 0x1b

	modeClient = 3
	modeServer = 4
)

// Packet is the 48 byte header from RFC 5905, section 7.3.
type Packet struct {
	Flags          uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	RefTimeSec     uint32
	RefTimeFrac    uint32
	OrigTimeSec    uint32
	OrigTimeFrac   uint32
	RecvTimeSec    uint32
	RecvTimeFrac   uint32
	TxTimeSec      uint32
	TxTimeFrac     uint32
}

func (p *Packet) Version() uint8 {
	return (p.Flags >> 3) & 0b111
}

func (p *Packet) Mode() uint8 {
	return p.Flags & 0b111
}

func (p *Packet) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, p)
	return buf.Bytes()
}

func DecodePacket(b []byte) (*Packet, error) {
	if len(b) < exchange.LegacyReplySize {
		return nil, &exchange.Error{
			Op:   "decode",
			Kind: exchange.ErrMalformedReply,
			Err:  fmt.Errorf("got %d bytes, need %d", len(b), exchange.LegacyReplySize),
		}
	}
	var p Packet
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &p); err != nil {
		return nil, &exchange.Error{Op: "decode", Kind: exchange.ErrMalformedReply, Err: err}
	}
	return &p, nil
}

// NewRequest returns the request the diagnostic client has always sent:
// the flags byte followed by 47 zero bytes.
func NewRequest() []byte {
	p := Packet{Flags: requestFlags}
	return p.Encode()
}

// ToNTP splits t into NTP seconds and fraction, each fraction step is 1/2^32 s.
func ToNTP(t time.Time) (uint32, uint32) {
	secs := uint32(t.Unix() + exchange.EpochOffset)
	frac := uint32((uint64(t.Nanosecond()) << 32) / 1e9)
	return secs, frac
}

func FromNTP(secs, frac uint32) time.Time {
	nsec := (uint64(frac) * 1e9) >> 32
	return time.Unix(int64(secs)-exchange.EpochOffset, int64(nsec))
}

// Query asks the server in cfg for the time and returns its transmit
// timestamp at one second resolution. A zero port means Port.
func Query(ctx context.Context, x *exchange.Exchanger, cfg exchange.Config) (time.Time, error) {
	if cfg.DestinationPort == 0 {
		cfg.DestinationPort = Port
	}
	reply, err := x.Exchange(ctx, cfg, NewRequest())
	if err != nil {
		return time.Time{}, err
	}
	logger.DebugContext(ctx, "time reply", "from", reply.Sender.String(), "size", len(reply.Data))
	return exchange.LegacyTime(reply.Data)
}

// Responder answers client requests with server mode replies stamped from
// Now. Datagrams shorter than a full header are ignored.
type Responder struct {
	Now     func() time.Time
	Stratum uint8
	RefID   [4]byte
}

func NewResponder() *Responder {
	return &Responder{
		Now:     time.Now,
		Stratum: 2,
		RefID:   [4]byte{'L', 'O', 'C', 'L'},
	}
}

func (r *Responder) Handle(ctx context.Context, d pserver.Datagram) []byte {
	recv := r.Now()
	req, err := DecodePacket(d.Data)
	if err != nil {
		logger.DebugContext(ctx, "dropping request", "from", d.From.String(), "err", err)
		return nil
	}
	if req.Mode() != modeClient {
		logger.DebugContext(ctx, "dropping request", "from", d.From.String(), "mode", req.Mode())
		return nil
	}

	version := req.Version()
	if version == 0 {
		version = 4
	}
	resp := Packet{
		Flags:          version<<3 | modeServer,
		Stratum:        r.Stratum,
		Poll:           4,
		Precision:      -20,
		RootDispersion: 1 << 8,
		ReferenceID:    binary.BigEndian.Uint32(r.RefID[:]),
		OrigTimeSec:    req.TxTimeSec,
		OrigTimeFrac:   req.TxTimeFrac,
	}
	resp.RefTimeSec, resp.RefTimeFrac = ToNTP(recv)
	resp.RecvTimeSec, resp.RecvTimeFrac = ToNTP(recv)

	xmit := r.Now()
	if xmit.Before(recv) {
		xmit = recv
	}
	resp.TxTimeSec, resp.TxTimeFrac = ToNTP(xmit)
	return resp.Encode()
}
