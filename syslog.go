package kixdns

import (
	"log/syslog"

	srslog "github.com/RackSec/srslog"
)

// SyslogSink is an optional destination for the "log" action, wired
// alongside the structured logrus logger rather than replacing it.
// Grounded on the teacher's Syslog resolver, generalized from wrapping a
// whole Resolve call to emitting one line per log action.
type SyslogSink struct {
	writer *srslog.Writer
	tag    string
}

// NewSyslogSink dials the configured syslog destination. network is one of
// "udp", "tcp", "unix"; an empty address dials the local syslog daemon.
func NewSyslogSink(network, address, tag string) (*SyslogSink, error) {
	w, err := srslog.Dial(network, address, syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, wrapStartup(err, "dial syslog")
	}
	return &SyslogSink{writer: w, tag: tag}, nil
}

// Write sends msg to syslog, swallowing errors: the sink is best-effort and
// must never block or fail the request it is logging.
func (s *SyslogSink) Write(msg string) {
	if s == nil || s.writer == nil {
		return
	}
	_, _ = s.writer.Write([]byte(msg))
}

func (s *SyslogSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
