package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/moamoak/kerrucent/internal/config"
)

const (
	defaultTrapPort = 162

	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"
)

// TrapSender sends SNMPv2c traps. The trap carries the subject and body
// as octet strings under the configured trap OID.
type TrapSender struct {
	cfg     config.SNMPConfig
	timeout time.Duration
	started time.Time
}

// NewTrapSender returns a trap sender.
func NewTrapSender(cfg config.SNMPConfig, timeout time.Duration) *TrapSender {
	return &TrapSender{cfg: cfg, timeout: timeout, started: time.Now()}
}

// Notify sends msg to the manager at hostport. The port defaults to 162.
func (s *TrapSender) Notify(ctx context.Context, hostport string, msg Message) error {
	host, port, err := splitHostPort(hostport, defaultTrapPort)
	if err != nil {
		return err
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout == 0 || left < timeout {
			timeout = left
		}
	}

	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: s.cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := snmp.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w", hostport, err)
	}
	defer snmp.Conn.Close()

	uptime := uint32(time.Since(s.started) / (10 * time.Millisecond))
	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: oidSysUpTime, Type: gosnmp.TimeTicks, Value: uptime},
			{Name: oidSnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: s.cfg.TrapOID},
			{Name: s.cfg.TrapOID + ".1", Type: gosnmp.OctetString, Value: msg.Subject},
			{Name: s.cfg.TrapOID + ".2", Type: gosnmp.OctetString, Value: msg.Body},
		},
	}
	if _, err := snmp.SendTrap(trap); err != nil {
		return fmt.Errorf("send trap to %s: %w", hostport, err)
	}
	return nil
}

func splitHostPort(hostport string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port.
		return hostport, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
