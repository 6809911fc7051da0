package esp

import (
	"github.com/ve3wwg/esplink/at"
)

// Receive drains the transport through the recognition state machine, one
// byte at a time, then calls the transport's Idle hook. It is the default
// yield of the cooperative mode; in the two-thread mode Loop calls it
// continuously.
//
// Side effects are confined to: flipping the response flags the foreground
// waits on, mutating the session table, filling the capture slots, and
// invoking user callbacks for inbound socket bytes and accepts.
func (d *Device) Receive() {
	for d.t.Poll() {
		b := d.t.ReadByte()

		if b == '\n' {
			d.first = '\n'
			d.s0, d.ss = 0, 0
			continue
		}

		if d.first == '\n' {
			// Adopt b as the line anchor. A leading digit starts a
			// decimal session id instead; the bare prompt byte from
			// AT+CIPSEND never gets a line of its own.
			d.first = int(b)
			if b >= '0' && b <= '9' {
				d.first = '9'
				d.respID = 0
			} else if b == at.Prompt {
				d.sendReady = true
				d.first = 0
				continue
			}
		} else if d.first == 0 {
			continue // line suppressed, discard up to LF
		}

		if d.first == '9' {
			if b == ',' {
				// "<id>," seen: restart anchor matching at the
				// comma so ,CONNECT / ,CLOSED can match.
				d.first = int(b)
				d.s0, d.ss = 0, 0
			} else {
				d.respID = d.respID*10 + int(b&0x0F)
				continue
			}
		}

		if d.ss == 0 {
			found := false
			for i := range at.Patterns {
				if at.Patterns[i].Text[0] == byte(d.first) {
					d.s0 = i
					found = true
					break
				}
			}
			if !found {
				d.first = 0
				continue
			}
		}

		if b == at.Patterns[d.s0].Text[d.ss] {
			d.ss++
		} else if !d.fallback(b) {
			d.first = 0
			continue
		}

		if d.ss == len(at.Patterns[d.s0].Text) {
			act := at.Patterns[d.s0].Action
			d.handle(act)
			if act != at.ActionIPD {
				d.first = 0 // ignore the rest of the line
			}
		}
	}
	d.t.Idle()
}

// fallback retries the mismatched byte b against later patterns sharing the
// already-matched prefix. The Start hints mark where each chain mate
// diverges from its predecessors.
func (d *Device) fallback(b byte) bool {
	cur := at.Patterns[d.s0].Text
	for d.s0+1 < len(at.Patterns) {
		d.s0++
		t := at.Patterns[d.s0].Text
		if len(t) < d.ss || t[:d.ss] != cur[:d.ss] {
			return false
		}
		if d.ss == at.Patterns[d.s0].Start && d.ss < len(t) && t[d.ss] == b {
			d.ss++
			return true
		}
	}
	return false
}

// handle runs the post-match handler for a completed pattern. Handlers that
// extract fields keep reading from the transport; the +IPD handler consumes
// its full binary payload and resets the line framing itself.
func (d *Device) handle(act at.Action) {
	switch act {
	case at.ActionIPD:
		d.readID()
		d.ipdID = d.respID
		d.readID() // stops on ':'
		d.ipdLen = d.respID

		s := d.sessionAt(d.ipdID)
		var cb RecvFunc
		if s != nil && s.open {
			cb = s.rxCallback
		}
		d.log.Debug("ipd", "sock", d.ipdID, "len", d.ipdLen)
		for d.ipdLen > 0 {
			b := d.t.ReadByte()
			d.ipdLen--
			if cb != nil {
				cb(d.ipdID, int(b))
			}
		}
		if s != nil && s.udp && cb != nil {
			cb(d.ipdID, -1) // end of datagram
		}
		d.first = '\n'
		d.ipdID, d.ipdLen, d.respID = 0, 0, 0
		d.s0, d.ss = 0, 0

	case at.ActionOK:
		d.respOK = true
	case at.ActionFail:
		d.respFail = true
	case at.ActionError:
		d.respError = true
	case at.ActionSendOK:
		d.sendOK = true
	case at.ActionSendFail:
		d.sendFail = true
	case at.ActionDNSFail:
		d.respDNSFail = true

	case at.ActionConnect:
		s := d.sessionAt(d.respID)
		if s != nil && !s.open {
			s.open = true
			s.connected = true
			s.disconnected = false
			d.log.Debug("accepted", "sock", d.respID)
			if d.acceptCb != nil {
				d.acceptCb(d.respID)
			}
		}

	case at.ActionClosed:
		d.respClosed = true
		s := d.sessionAt(d.respID)
		if s != nil && s.open && !s.disconnected {
			s.connected = false
			d.log.Debug("remote close", "sock", d.respID)
			if s.rxCallback != nil {
				s.rxCallback(d.respID, -1)
			}
			s.disconnected = true
		}

	case at.ActionWifiConnect:
		d.wifiConnected = true
	case at.ActionWifiGotIP:
		d.wifiGotIP = true
	case at.ActionWifiDisconnect, at.ActionNoAP:
		d.wifiConnected = false
		d.wifiGotIP = false

	case at.ActionReady:
		d.log.Debug("module ready")
		d.clear(true)
		d.ready = true

	case at.ActionAutoConn:
		b := d.t.ReadByte()
		if b == '0' {
			d.respID = 0
		} else {
			d.respID = 1
		}

	case at.ActionMode, at.ActionMux, at.ActionTimeout:
		d.readID()

	case at.ActionJoinedAP:
		// +CWJAP:"ssid","mac",ch,rssi
		d.wifiConnected = true
		d.readBuf(0, '"')
		d.skipUntil(0, '"')
		b := d.readBuf(1, '"')
		d.skipUntil(b, ',')
		d.readBuf(2, ',')
		d.readBuf(3, '\r')

	case at.ActionSoftAP:
		// +CWSAP:"ssid","pw",ch,ecn
		b := d.readBuf(0, '"')
		b = d.skipUntil(b, ',')
		d.skipUntil(b, '"')
		b = d.readBuf(1, '"')
		d.skipUntil(b, ',')
		d.readBuf(2, ',')
		d.readBuf(3, '\r')

	case at.ActionAPIP:
		d.readBuf(0, '"')
		if !d.wifiGotIP && len(d.bufs) > 0 {
			// Refreshed by IsWifi: any address other than the
			// unassigned 0.0.0.0 means DHCP has completed.
			d.wifiGotIP = string(d.bufs[0].data) != "0.0.0.0"
		}
	case at.ActionAPGateway:
		d.readBuf(1, '"')
	case at.ActionAPNetmask:
		d.readBuf(2, '"')
	case at.ActionStaIP:
		d.readBuf(0, '"')
	case at.ActionStaGateway:
		d.readBuf(1, '"')
	case at.ActionStaNetmask:
		d.readBuf(2, '"')
	case at.ActionAPMAC, at.ActionStaMAC:
		d.readBuf(0, '"')

	case at.ActionVersion:
		d.readBuf(0, '\r')
	}
}

// readID reads decimal digits into respID and returns the stop byte.
func (d *Device) readID() byte {
	d.respID = 0
	for {
		b := d.t.ReadByte()
		if b < '0' || b > '9' {
			return b
		}
		d.respID = d.respID*10 + int(b-'0')
	}
}

// readBuf copies bytes into capture slot idx until the stop byte or CR,
// truncating at the slot's capacity, then skips ahead to the stop byte. A
// missing slot discards the field.
func (d *Device) readBuf(idx int, stop byte) byte {
	var slot *capture
	if idx < len(d.bufs) {
		slot = &d.bufs[idx]
	}
	var b byte
	for {
		b = d.t.ReadByte()
		if b == stop || b == '\r' {
			break
		}
		if slot == nil {
			continue
		}
		if len(slot.data)+1 >= slot.max {
			break
		}
		slot.data = append(slot.data, b)
	}
	return d.skipUntil(b, stop)
}

// skipUntil advances from b until the stop byte is seen, giving up at CR.
func (d *Device) skipUntil(b, stop byte) byte {
	for {
		if b == stop {
			return b
		}
		b = d.t.ReadByte()
		if b == '\r' {
			return b
		}
	}
}
