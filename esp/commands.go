package esp

import (
	"strconv"

	"github.com/ve3wwg/esplink/at"
)

// sendChunk is the largest payload the firmware accepts per AT+CIPSEND.
const sendChunk = 1500

// APStatus describes the joined access point, from AT+CWJAP?.
type APStatus struct {
	SSID    string
	MAC     string
	Channel int
	RSSI    int
}

// IPInfo carries the ip/gateway/netmask triple of AT+CIPAP? / AT+CIPSTA?.
type IPInfo struct {
	IP      string
	Gateway string
	Netmask string
}

// Ecn is the soft-AP encryption setting.
type Ecn int

const (
	EcnUndefined Ecn = -1
	EcnOpen      Ecn = 0
	EcnWPAPSK    Ecn = 1
	EcnWPA2PSK   Ecn = 2
	EcnWPAWPA2   Ecn = 3
)

// SoftAP describes the module's own access point, from AT+CWSAP?.
type SoftAP struct {
	SSID     string
	Password string
	Channel  int
	Ecn      Ecn
}

func (d *Device) writeString(s string) {
	for i := 0; i < len(s); i++ {
		d.t.WriteByte(s[i])
	}
}

func (d *Device) crlf() {
	d.writeString(at.CRLF)
}

// command clears the terminal response flags and writes cmd + CRLF.
func (d *Device) command(cmd string) {
	d.respOK, d.respFail, d.respError = false, false, false
	d.log.Debug("command", "cmd", cmd)
	d.writeString(cmd)
	d.crlf()
}

// waitOKFail clears the terminal flags and yields until one of OK, FAIL or
// ERROR has been observed. Returns true iff OK.
func (d *Device) waitOKFail() bool {
	d.respOK, d.respFail, d.respError = false, false, false
	for !d.respOK && !d.respFail && !d.respError {
		d.yield()
	}
	return d.respOK
}

func (d *Device) commandOK(cmd string) bool {
	d.command(cmd)
	return d.waitOKFail()
}

// Reset issues AT+RST and waits for the module's ready announcement, which
// clears all driver state, then runs Start. There is no timeout here: the
// embedder's yield/idle hooks own timing policy.
func (d *Device) Reset() error {
	d.yield()
	d.ready = false
	d.first = '\n'
	d.command(at.CmdReset)
	for !d.ready {
		d.yield()
	}
	return d.Start()
}

// WaitReset waits for the ready announcement without sending AT+RST, for a
// reset asserted in hardware, then runs Start.
func (d *Device) WaitReset() error {
	d.ready = false
	for !d.ready {
		d.yield()
	}
	return d.Start()
}

// Start sets the operational parameters the driver depends on: echo off,
// CIPMODE=0 and CIPMUX=1. Both settings are queried first and written only
// on mismatch, because the module rejects mode changes while sockets or a
// server are live. Any local sessions are released.
func (d *Device) Start() error {
	if !d.commandOK(at.CmdEchoOff) {
		return d.fail(Fail)
	}
	if err := d.setCIPMode(0); err != nil {
		return err
	}
	if err := d.setCIPMux(1); err != nil {
		return err
	}
	d.CloseAll()
	return nil
}

func (d *Device) cipMode() (int, error) {
	if !d.commandOK(at.CmdModeQuery) {
		return -1, d.fail(Fail)
	}
	return d.respID, nil
}

func (d *Device) setCIPMode(mode int) error {
	if m, err := d.cipMode(); err == nil && m == mode {
		return nil
	}
	if !d.commandOK("AT+CIPMODE=" + strconv.Itoa(mode)) {
		return d.fail(Fail)
	}
	return nil
}

func (d *Device) cipMux() (int, error) {
	if !d.commandOK(at.CmdMuxQuery) {
		return -1, d.fail(Fail)
	}
	return d.respID, nil
}

func (d *Device) setCIPMux(mode int) error {
	if m, err := d.cipMux(); err == nil && m == mode {
		return nil
	}
	if !d.commandOK("AT+CIPMUX=" + strconv.Itoa(mode)) {
		return d.fail(Fail)
	}
	return nil
}

// APJoin joins the access point with AT+CWJAP="ssid","password".
func (d *Device) APJoin(ssid, password string) error {
	d.respID = 0
	d.respClosed, d.respDNSFail, d.respError = false, false, false
	if !d.commandOK(`AT+CWJAP="` + ssid + `","` + password + `"`) {
		return d.fail(Fail)
	}
	return nil
}

// WaitWifi spins until WIFI CONNECT has been observed, and with gotIP also
// until WIFI GOT IP.
func (d *Device) WaitWifi(gotIP bool) {
	for !d.wifiConnected {
		d.yield()
	}
	if gotIP {
		for !d.wifiGotIP {
			d.yield()
		}
	}
}

// IsWifi reports whether the module has an access point, and with gotIP
// whether it also holds an IP address. Both answers are refreshed by
// querying the module, not just read from the cached flags.
func (d *Device) IsWifi(gotIP bool) bool {
	if _, err := d.apStatus(); err != nil {
		return false
	}
	if !gotIP {
		return d.wifiConnected
	}
	if _, err := d.apInfo(); err != nil {
		return false
	}
	return d.wifiGotIP
}

// APSSID queries AT+CWJAP? for the joined access point's SSID, MAC, channel
// and signal strength.
func (d *Device) APSSID() (APStatus, error) {
	return d.apStatus()
}

func (d *Device) apStatus() (APStatus, error) {
	d.bufs = []capture{{max: 33}, {max: 20}, {max: 6}, {max: 8}}
	ok := d.commandOK(at.CmdJoinQuery)
	st := APStatus{
		SSID:    string(d.bufs[0].data),
		MAC:     string(d.bufs[1].data),
		Channel: atoi(string(d.bufs[2].data)),
		RSSI:    atoi(string(d.bufs[3].data)),
	}
	d.bufs = nil
	if !ok {
		return APStatus{}, d.fail(Fail)
	}
	return st, nil
}

// QuerySoftAP queries AT+CWSAP? for the module's own access point settings.
func (d *Device) QuerySoftAP() (SoftAP, error) {
	d.bufs = []capture{{max: 33}, {max: 65}, {max: 8}, {max: 8}}
	ok := d.commandOK(at.CmdSoftAPQuery)
	ap := SoftAP{
		SSID:     string(d.bufs[0].data),
		Password: string(d.bufs[1].data),
		Channel:  atoi(string(d.bufs[2].data)),
		Ecn:      Ecn(atoi(string(d.bufs[3].data))),
	}
	d.bufs = nil
	if !ok {
		return SoftAP{Channel: -1, Ecn: EcnUndefined}, d.fail(Fail)
	}
	return ap, nil
}

// APInfo queries AT+CIPAP? for the soft-AP ip/gateway/netmask.
func (d *Device) APInfo() (IPInfo, error) {
	return d.apInfo()
}

func (d *Device) apInfo() (IPInfo, error) {
	return d.ipInfo(at.CmdAPInfoQuery)
}

// StationInfo queries AT+CIPSTA? for the station ip/gateway/netmask.
func (d *Device) StationInfo() (IPInfo, error) {
	return d.ipInfo(at.CmdStaInfoQuery)
}

func (d *Device) ipInfo(cmd string) (IPInfo, error) {
	d.bufs = []capture{{max: 32}, {max: 32}, {max: 32}}
	ok := d.commandOK(cmd)
	info := IPInfo{
		IP:      string(d.bufs[0].data),
		Gateway: string(d.bufs[1].data),
		Netmask: string(d.bufs[2].data),
	}
	d.bufs = nil
	if !ok {
		return IPInfo{}, d.fail(Fail)
	}
	return info, nil
}

// APMAC queries AT+CIPAPMAC? for the soft-AP MAC address.
func (d *Device) APMAC() (string, error) {
	return d.mac(at.CmdAPMACQuery)
}

// StationMAC queries AT+CIPSTAMAC? for the station MAC address.
func (d *Device) StationMAC() (string, error) {
	return d.mac(at.CmdStaMACQuery)
}

func (d *Device) mac(cmd string) (string, error) {
	d.bufs = []capture{{max: 20}}
	ok := d.commandOK(cmd)
	mac := string(d.bufs[0].data)
	d.bufs = nil
	if !ok {
		return "", d.fail(Fail)
	}
	return mac, nil
}

// SetAPAddr changes the soft-AP IP address.
func (d *Device) SetAPAddr(ip string) error {
	return d.setOK(`AT+CIPAP="` + ip + `"`)
}

// SetStationAddr changes the station IP address.
func (d *Device) SetStationAddr(ip string) error {
	return d.setOK(`AT+CIPSTA="` + ip + `"`)
}

// SetAPMAC changes the soft-AP MAC address.
func (d *Device) SetAPMAC(mac string) error {
	return d.setOK(`AT+CIPAPMAC="` + mac + `"`)
}

// SetStationMAC changes the station MAC address.
func (d *Device) SetStationMAC(mac string) error {
	return d.setOK(`AT+CIPSTAMAC="` + mac + `"`)
}

func (d *Device) setOK(cmd string) error {
	if !d.commandOK(cmd) {
		return d.fail(Fail)
	}
	return nil
}

// Version queries AT+GMR and returns the AT version line only.
func (d *Device) Version() (string, error) {
	d.bufs = []capture{{max: 64}}
	ok := d.commandOK(at.CmdVersion)
	v := string(d.bufs[0].data)
	d.bufs = nil
	if !ok {
		return "", d.fail(Fail)
	}
	return v, nil
}

// Timeout queries the server inactivity timeout, AT+CIPSTO?.
func (d *Device) Timeout() (int, error) {
	if !d.commandOK(at.CmdTimeoutQuery) {
		return -1, d.fail(Fail)
	}
	return d.respID, nil
}

// SetTimeout sets the server inactivity timeout in seconds.
func (d *Device) SetTimeout(seconds int) error {
	return d.setOK("AT+CIPSTO=" + strconv.Itoa(seconds))
}

// AutoConn queries whether the module rejoins its access point on power-up.
func (d *Device) AutoConn() (bool, error) {
	d.respID = 0
	if !d.commandOK(at.CmdAutoConnQuery) {
		return false, d.fail(Fail)
	}
	return d.respID != 0, nil
}

// SetAutoConn sets the power-up auto-connect behavior.
func (d *Device) SetAutoConn(on bool) error {
	return d.setOK("AT+CWAUTOCONN=" + onOff(on))
}

// DHCP enables or disables the station DHCP client.
func (d *Device) DHCP(on bool) error {
	return d.setOK("AT+CWDHCP=2," + onOff(on))
}

// Listen starts the server on port. The accept callback is installed before
// the command is issued so an immediate inbound connect cannot be missed; it
// fires with the session id of each accepted connection, and with -1 when a
// module reset tears the listener down.
func (d *Device) Listen(port int, accept AcceptFunc) error {
	d.acceptCb = accept
	if !d.commandOK("AT+CIPSERVER=1," + strconv.Itoa(port)) {
		return d.fail(Fail)
	}
	return nil
}

// Unlisten stops the server and removes the accept callback.
func (d *Device) Unlisten() error {
	if !d.commandOK(at.CmdServerOff) {
		return d.fail(Fail)
	}
	d.acceptCb = nil
	return nil
}

// Accept attaches the receive callback to an already-accepted session. Do
// this from (or directly after) the accept callback, before the peer's first
// payload arrives.
func (d *Device) Accept(sock int, cb RecvFunc) error {
	s := d.lookup(sock)
	if s == nil {
		return Invalid
	}
	s.rxCallback = cb
	return nil
}

// TCPConnect opens a TCP connection to host:port and installs the receive
// callback. Returns the session id, or -1 with the error.
func (d *Device) TCPConnect(host string, port int, cb RecvFunc) (int, error) {
	return d.socket(at.TCP, host, port, cb, -1)
}

// UDPSocket opens a UDP session for sending to host:port, optionally bound
// to localPort (pass -1 for none). Returns the session id, or -1 with the
// error.
func (d *Device) UDPSocket(host string, port int, cb RecvFunc, localPort int) (int, error) {
	return d.socket(at.UDP, host, port, cb, localPort)
}

func (d *Device) socket(kind, host string, port int, cb RecvFunc, localPort int) (int, error) {
	sock := -1
	for x := range d.state {
		if !d.state[x].open {
			sock = x
			break
		}
	}
	if sock == -1 {
		return -1, d.fail(Resource)
	}

	d.yield()

	s := &d.state[sock]
	s.open = true // tentatively, until the module answers
	s.udp = kind == at.UDP
	s.disconnected = false

	d.respID = 0
	d.respClosed, d.respDNSFail = false, false
	d.respOK, d.respError = false, false

	cmd := "AT+CIPSTART=" + strconv.Itoa(sock) + `,"` + kind + `","` + host + `",` + strconv.Itoa(port)
	if localPort >= 0 {
		cmd += "," + strconv.Itoa(localPort) + ",2"
	}
	d.log.Debug("command", "cmd", cmd)
	d.writeString(cmd)
	d.crlf()

	for {
		d.yield()
		if d.respError {
			s.open = false
			if d.respDNSFail {
				return -1, d.fail(DNSFail)
			}
			return -1, d.fail(Fail)
		}
		if d.respOK {
			break
		}
	}

	s.connected = true
	s.rxCallback = cb
	return sock, nil
}

// Close releases session sock, telling the module to close the connection
// when it is still up. The local slot is cleared regardless of the module's
// answer; the returned error reflects the AT result. Closing a session that
// has already seen a remote close is a local no-op returning nil.
func (d *Device) Close(sock int) error {
	s := d.lookup(sock)
	if s == nil || !s.open {
		return d.fail(Invalid)
	}
	if !s.connected {
		*s = session{}
		return nil
	}
	s.open = false
	s.connected = false
	d.command("AT+CIPCLOSE=" + strconv.Itoa(sock))
	ok := d.waitOKFail()
	*s = session{}
	if !ok {
		return d.fail(Fail)
	}
	return nil
}

// CloseAll closes every open session, ignoring errors, and forces the local
// slots free.
func (d *Device) CloseAll() {
	for sock := range d.state {
		if d.state[sock].open {
			d.Close(sock)
		}
		d.state[sock] = session{}
	}
}

// Write sends data on session sock, chunked to the firmware's 1500-byte
// CIPSEND limit. Each chunk is a two-phase exchange: the declared length is
// acknowledged with OK, the bare '>' prompt asks for the raw payload, and
// SEND OK or SEND FAIL concludes it. Returns the byte count written, or -1
// with the error.
func (d *Device) Write(sock int, data []byte) (int, error) {
	return d.send(sock, data, "")
}

// WriteTo is Write for a UDP session sending to a different address than the
// one the session was opened with. Not supported by all AT firmware builds.
func (d *Device) WriteTo(sock int, data []byte, udpAddr string) (int, error) {
	return d.send(sock, data, udpAddr)
}

func (d *Device) send(sock int, data []byte, udpAddr string) (int, error) {
	s := d.lookup(sock)
	if s == nil {
		return -1, d.fail(Invalid)
	}
	if s.disconnected {
		return -1, d.fail(Disconnected)
	}
	if udpAddr != "" && !s.udp {
		return -1, d.fail(Invalid)
	}
	if len(data) == 0 {
		return 0, nil
	}

	total := 0
	for len(data) > 0 {
		wlen := len(data)
		if wlen > sendChunk {
			wlen = sendChunk
		}

		d.sendReady, d.sendOK, d.sendFail = false, false, false

		cmd := "AT+CIPSEND=" + strconv.Itoa(sock) + ","
		if udpAddr != "" {
			cmd += `"` + udpAddr + `",`
		}
		cmd += strconv.Itoa(wlen)
		d.command(cmd)
		if !d.waitOKFail() {
			return -1, d.fail(Fail)
		}

		for !d.sendReady {
			d.yield()
		}

		// Silence the parser: the module may echo the raw payload,
		// which must not be pattern-matched.
		d.first = 0
		for _, b := range data[:wlen] {
			d.t.WriteByte(b)
		}

		for !d.sendOK && !d.sendFail {
			d.yield()
		}
		if d.sendFail {
			break
		}
		total += wlen
		data = data[wlen:]
	}

	if !d.sendOK {
		return -1, d.fail(Fail)
	}
	return total, nil
}

func onOff(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
