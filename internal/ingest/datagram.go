// Package ingest turns sensor datagrams into store appends.
//
// Sensors send ASCII datagrams of the form
//
//	<hardwareId>/<courant>/<tension>/<dephasage>/<pactive>/<preactive>/<papparente>
//
// padded with NUL bytes. The Listener resolves the hardware id through an
// IdentifierCache and appends the readings to the sensor's store.
package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

// Datagram is one parsed sensor report.
type Datagram struct {
	HardwareID string
	Values     rrd.Values
}

// ParseDatagram parses a raw payload. Readings that do not parse or fall
// outside their channel bounds become unknown without rejecting the others.
func ParseDatagram(payload []byte) (Datagram, error) {
	payload = bytes.TrimRight(payload, "\x00")
	text := strings.TrimSpace(string(payload))

	fields := strings.Split(text, "/")
	if len(fields) != 1+rrd.NumChannels {
		return Datagram{}, fmt.Errorf("%d fields: %w", len(fields), errors.ErrMalformedDatagram)
	}

	d := Datagram{HardwareID: strings.TrimSpace(fields[0])}
	if d.HardwareID == "" {
		return Datagram{}, fmt.Errorf("empty hardware id: %w", errors.ErrMalformedDatagram)
	}

	for i, c := range rrd.Channels {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil || !c.Bounds().Contains(v) {
			d.Values[c] = rrd.Unknown()
			continue
		}
		d.Values[c] = v
	}
	return d, nil
}
