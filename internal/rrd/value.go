package rrd

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Channel identifies one of the six measurements carried by every sample.
type Channel int

const (
	Courant Channel = iota
	Tension
	Dephasage
	PuissanceActive
	PuissanceReactive
	PuissanceApparente
)

// NumChannels is the number of channels per sample.
const NumChannels = 6

// Channels lists every channel in wire order.
var Channels = [NumChannels]Channel{
	Courant, Tension, Dephasage, PuissanceActive, PuissanceReactive, PuissanceApparente,
}

var channelNames = [NumChannels]string{
	"courant", "tension", "dephasage", "puissance_active", "puissance_reactive", "puissance_apparente",
}

// Bounds is the inclusive validity range of a channel.
type Bounds struct {
	Min float64
	Max float64
}

// Contains reports whether v is a finite value within the bounds.
func (b Bounds) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= b.Min && v <= b.Max
}

var channelBounds = [NumChannels]Bounds{
	{0, 30},
	{0, 300},
	{0, 360},
	{0, 10000},
	{0, 10000},
	{0, 10000},
}

// String returns the channel name.
func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Bounds returns the validity range of the channel.
func (c Channel) Bounds() Bounds {
	return channelBounds[c]
}

// ParseChannel returns the channel with the given name.
func ParseChannel(name string) (Channel, error) {
	for i, n := range channelNames {
		if n == name {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

// Unknown is the value of a missing reading.
func Unknown() float64 {
	return math.NaN()
}

// IsUnknown reports whether v is a missing reading.
func IsUnknown(v float64) bool {
	return math.IsNaN(v)
}

// Values holds one reading per channel, in wire order.
type Values [NumChannels]float64

// UnknownValues returns a set of readings that are all missing.
func UnknownValues() Values {
	var v Values
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

// Sanitize replaces readings outside their channel bounds with Unknown.
func (v Values) Sanitize() Values {
	for i := range v {
		if !channelBounds[i].Contains(v[i]) {
			v[i] = math.NaN()
		}
	}
	return v
}

// Known returns how many readings are present.
func (v Values) Known() int {
	n := 0
	for _, x := range v {
		if !math.IsNaN(x) {
			n++
		}
	}
	return n
}

// Sample is a set of readings at a timestamp in seconds.
type Sample struct {
	Timestamp int64
	Values    Values
}

// ChannelMask is a set of channels, one bit per channel.
type ChannelMask uint8

// Has reports whether c is in the mask.
func (m ChannelMask) Has(c Channel) bool {
	return m&(1<<uint(c)) != 0
}

// With returns the mask with c added.
func (m ChannelMask) With(c Channel) ChannelMask {
	return m | 1<<uint(c)
}

// Len returns the number of channels in the mask.
func (m ChannelMask) Len() int {
	return bits.OnesCount8(uint8(m))
}

// Channels lists the channels in the mask in wire order.
func (m ChannelMask) Channels() []Channel {
	var out []Channel
	for _, c := range Channels {
		if m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String joins the channel names with commas.
func (m ChannelMask) String() string {
	names := make([]string, 0, m.Len())
	for _, c := range m.Channels() {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}
