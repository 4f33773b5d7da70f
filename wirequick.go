package kixdns

// QuickQuery is the result of ParseQuick: the handful of header/question
// fields the fast path needs without a full message parse.
type QuickQuery struct {
	TxID   uint16
	QName  string // normalized into the caller-supplied buffer
	QType  uint16
	QClass uint16
}

// ParseQuick extracts the transaction id, normalized qname, qtype and
// qclass from a raw query packet, writing the lowercased qname into buf and
// returning a string backed by it. It rejects packets under 12 bytes and
// qdcount=0, and bounds every label and compression jump (limit 5) exactly
// as the byte-level algorithm in the original proto_utils.rs does.
func ParseQuick(packet []byte, buf []byte) (QuickQuery, bool) {
	if len(packet) < 12 {
		return QuickQuery{}, false
	}
	txID := uint16(packet[0])<<8 | uint16(packet[1])
	qdCount := uint16(packet[4])<<8 | uint16(packet[5])
	if qdCount == 0 {
		return QuickQuery{}, false
	}

	pos := 12
	bufPos := 0
	jumped := false
	maxJumps := 5
	currentPos := pos
	packetLen := len(packet)

	for {
		if currentPos >= packetLen {
			return QuickQuery{}, false
		}
		length := packet[currentPos]

		if length == 0 {
			if !jumped {
				pos = currentPos + 1
			}
			break
		}

		if length&0xC0 == 0xC0 {
			if packetLen < currentPos+2 {
				return QuickQuery{}, false
			}
			if !jumped {
				pos = currentPos + 2
				jumped = true
			}
			offset := (uint16(length&0x3F) << 8) | uint16(packet[currentPos+1])
			currentPos = int(offset)
			maxJumps--
			if maxJumps == 0 {
				return QuickQuery{}, false
			}
			continue
		}

		labelLen := int(length)
		currentPos++
		if packetLen < currentPos+labelLen {
			return QuickQuery{}, false
		}

		if bufPos > 0 {
			if bufPos >= len(buf) {
				return QuickQuery{}, false
			}
			buf[bufPos] = '.'
			bufPos++
		}

		for _, b := range packet[currentPos : currentPos+labelLen] {
			if bufPos >= len(buf) {
				return QuickQuery{}, false
			}
			buf[bufPos] = asciiLower(b)
			bufPos++
		}
		currentPos += labelLen
	}

	if len(packet) < pos+4 {
		return QuickQuery{}, false
	}
	qtype := uint16(packet[pos])<<8 | uint16(packet[pos+1])
	qclass := uint16(packet[pos+2])<<8 | uint16(packet[pos+3])

	return QuickQuery{
		TxID:   txID,
		QName:  string(buf[:bufPos]),
		QType:  qtype,
		QClass: qclass,
	}, true
}

func asciiLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// QuickResponse is the result of ParseResponseQuick.
type QuickResponse struct {
	TXID   uint16
	RCode  int
	TC     bool
	MinTTL uint32
}

// ParseResponseQuick extracts RCODE, the TC flag and the minimum TTL across
// answers from a raw response packet without a full message parse,
// following the same bounded label-skip walk as ParseQuick.
func ParseResponseQuick(packet []byte) (QuickResponse, bool) {
	if len(packet) < 12 {
		return QuickResponse{}, false
	}

	txID := uint16(packet[0])<<8 | uint16(packet[1])
	rcode := int(packet[3] & 0x0F)
	tc := packet[2]&0x02 != 0

	qdCount := int(uint16(packet[4])<<8 | uint16(packet[5]))
	anCount := int(uint16(packet[6])<<8 | uint16(packet[7]))

	if anCount == 0 {
		return QuickResponse{TXID: txID, RCode: rcode, TC: tc, MinTTL: 0}, true
	}

	pos := 12
	packetLen := len(packet)

	skipName := func() bool {
		for {
			if pos >= packetLen {
				return false
			}
			length := packet[pos]
			if length == 0 {
				pos++
				return true
			}
			if length&0xC0 == 0xC0 {
				pos += 2
				return true
			}
			pos += 1 + int(length)
		}
	}

	for i := 0; i < qdCount; i++ {
		if !skipName() {
			return QuickResponse{}, false
		}
		pos += 4 // type(2) + class(2)
	}

	minTTL := uint32(0xFFFFFFFF)
	for i := 0; i < anCount; i++ {
		if !skipName() {
			return QuickResponse{}, false
		}
		if pos+10 > packetLen {
			return QuickResponse{}, false
		}
		ttl := uint32(packet[pos+4])<<24 | uint32(packet[pos+5])<<16 | uint32(packet[pos+6])<<8 | uint32(packet[pos+7])
		if ttl < minTTL {
			minTTL = ttl
		}
		rdLen := int(uint16(packet[pos+8])<<8 | uint16(packet[pos+9]))
		pos += 10 + rdLen
	}

	if minTTL == 0xFFFFFFFF {
		minTTL = 0
	}
	return QuickResponse{TXID: txID, RCode: rcode, TC: tc, MinTTL: minTTL}, true
}

// ednsPresentQuick reports whether a query carries an OPT record, but only
// performs the walk when ancount=nscount=0 — the standard-query shape. This
// is a documented lossy optimization: non-standard messages (those already
// carrying answers or authority records in the query section) report false
// rather than paying for a full additional-section scan.
func ednsPresentQuick(packet []byte) bool {
	if len(packet) < 12 {
		return false
	}
	anCount := uint16(packet[6])<<8 | uint16(packet[7])
	nsCount := uint16(packet[8])<<8 | uint16(packet[9])
	arCount := uint16(packet[10])<<8 | uint16(packet[11])
	if anCount != 0 || nsCount != 0 || arCount == 0 {
		return false
	}
	// Walk past the single question to the additional section and check
	// for an OPT record (type 41) as the first additional RR.
	qdCount := uint16(packet[4])<<8 | uint16(packet[5])
	pos := 12
	packetLen := len(packet)
	for i := 0; i < int(qdCount); i++ {
		for {
			if pos >= packetLen {
				return false
			}
			length := packet[pos]
			if length == 0 {
				pos++
				break
			}
			if length&0xC0 == 0xC0 {
				pos += 2
				break
			}
			pos += 1 + int(length)
		}
		pos += 4
	}
	// Additional RR name (usually root, a single zero byte) then type(2).
	if pos >= packetLen {
		return false
	}
	length := packet[pos]
	if length == 0 {
		pos++
	} else if length&0xC0 == 0xC0 {
		pos += 2
	} else {
		return false
	}
	if pos+2 > packetLen {
		return false
	}
	rrType := uint16(packet[pos])<<8 | uint16(packet[pos+1])
	return rrType == 41 // dns.TypeOPT
}
