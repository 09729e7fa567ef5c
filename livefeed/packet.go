package livefeed

import (
	"errors"
	"fmt"
	"math"
	"time"

	"waveserver/channel"
	"waveserver/wire"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBadPacket wraps every packet decoding or validation failure.
var ErrBadPacket = errors.New("livefeed: bad packet")

// Packet is one live trace arrival.
type Packet struct {
	Channel channel.ID
	Start   time.Time
	Rate    float64
	Samples []int32
}

// End returns the time one sample past the last sample.
func (p Packet) End() time.Time {
	if p.Rate <= 0 {
		return p.Start
	}
	return p.Start.Add(time.Duration(math.Round(float64(len(p.Samples)) / p.Rate * float64(time.Second))))
}

// rawPacket is the JSON form published by the acquisition side:
// {"ch":"NET.STA.LOC.CHA","t":1700000000.25,"sr":40,"d":[...]}
type rawPacket struct {
	Channel string  `json:"ch"`
	Start   float64 `json:"t"`
	Rate    float64 `json:"sr"`
	Data    []int32 `json:"d"`
}

// DecodePacket parses and validates a JSON packet. The channel may be given
// as NET.STA.LOC.CHA or STA$CHA$NET[$LOC].
func DecodePacket(payload []byte) (Packet, error) {
	var raw rawPacket
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	ch, err := channel.Parse(raw.Channel)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: channel %q: %v", ErrBadPacket, raw.Channel, err)
	}
	if raw.Rate <= 0 || math.IsNaN(raw.Rate) || math.IsInf(raw.Rate, 0) {
		return Packet{}, fmt.Errorf("%w: %s rate %g", ErrBadPacket, ch, raw.Rate)
	}
	if raw.Start <= 0 || math.IsNaN(raw.Start) || math.IsInf(raw.Start, 0) {
		return Packet{}, fmt.Errorf("%w: %s start %g", ErrBadPacket, ch, raw.Start)
	}
	if len(raw.Data) == 0 {
		return Packet{}, fmt.Errorf("%w: %s has no samples", ErrBadPacket, ch)
	}
	return Packet{
		Channel: ch,
		Start:   wire.FromEpochSeconds(raw.Start),
		Rate:    raw.Rate,
		Samples: raw.Data,
	}, nil
}

// EncodePacket renders p in the JSON form DecodePacket reads.
func EncodePacket(p Packet) ([]byte, error) {
	return json.Marshal(rawPacket{
		Channel: p.Channel.String(),
		Start:   wire.EpochSeconds(p.Start),
		Rate:    p.Rate,
		Data:    p.Samples,
	})
}
