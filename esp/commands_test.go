package esp_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ve3wwg/esplink/esp"
)

func newDevice(t *testing.T, tt *esp.TestTransport) *esp.Device {
	t.Helper()
	config, err := esp.NewConfigBuilder().WithTransport(tt).Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	d, err := esp.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return d
}

// startScript programs the ATE0 / CIPMODE / CIPMUX exchange Start performs
// when the module is already in the wanted modes.
func startScript(tt *esp.TestTransport) {
	tt.Expect("ATE0", "OK\r\n").
		Expect("AT+CIPMODE?", "+CIPMODE:0\r\nOK\r\n").
		Expect("AT+CIPMUX?", "+CIPMUX:1\r\nOK\r\n")
}

// connected returns a device with session 0 opened to host h, and the bytes
// cb recorded.
func connected(t *testing.T, tt *esp.TestTransport, cb esp.RecvFunc) *esp.Device {
	t.Helper()
	d := newDevice(t, tt)
	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	sock, err := d.TCPConnect("h", 80, cb)
	if err != nil || sock != 0 {
		t.Fatalf("TCPConnect = %d, %v", sock, err)
	}
	return d
}

type sink struct {
	bytes []byte
	eofs  int
}

func (s *sink) cb(sock, ch int) {
	if ch == -1 {
		s.eofs++
		return
	}
	s.bytes = append(s.bytes, byte(ch))
}

func TestConnectAndGet(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	// Module announces ready after an external reset; Start configures it.
	startScript(tt)
	tt.Feed("ready\r\n")
	if err := d.WaitReset(); err != nil {
		t.Fatalf("WaitReset: %v", err)
	}

	var rx sink
	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	sock, err := d.TCPConnect("h", 80, rx.cb)
	if err != nil {
		t.Fatalf("TCPConnect: %v", err)
	}
	if sock != 0 {
		t.Fatalf("sock = %d, want 0", sock)
	}

	tt.Expect("AT+CIPSEND=0,7", "OK\r\n> ")
	tt.ExpectRaw(7, "SEND OK\r\n")
	n, err := d.Write(sock, []byte("GET /\r\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 7 {
		t.Errorf("Write = %d, want 7", n)
	}

	if !strings.Contains(tt.Sent(), "AT+CIPSEND=0,7\r\nGET /\r\n") {
		t.Errorf("payload not on the wire after the declared length:\n%s", tt.Sent())
	}
	if !tt.Done() {
		t.Error("script not fully consumed")
	}
}

func TestInboundData(t *testing.T) {
	tt := esp.NewTestTransport()
	var rx sink
	d := connected(t, tt, rx.cb)

	tt.Feed("+IPD,0,3:XYZ")
	d.Receive()

	if got := string(rx.bytes); got != "XYZ" {
		t.Errorf("received %q, want %q", got, "XYZ")
	}
	if rx.eofs != 0 {
		t.Errorf("TCP receive signalled end of stream %d times", rx.eofs)
	}
}

func TestRemoteClose(t *testing.T) {
	tt := esp.NewTestTransport()
	var rx sink
	d := connected(t, tt, rx.cb)

	tt.Feed("0,CLOSED\r\n")
	d.Receive()

	if rx.eofs != 1 {
		t.Fatalf("rx -1 fired %d times, want 1", rx.eofs)
	}

	n, err := d.Write(0, []byte("late"))
	if n != -1 || !errors.Is(err, esp.Disconnected) {
		t.Errorf("Write after close = %d, %v; want -1, Disconnected", n, err)
	}
	if d.LastError() != esp.Disconnected {
		t.Errorf("LastError = %v, want Disconnected", d.LastError())
	}
}

func TestDNSFailure(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect(`AT+CIPSTART=0,"TCP","bad",80`, "DNS Fail\r\nERROR\r\n")
	sock, err := d.TCPConnect("bad", 80, nil)
	if sock != -1 || !errors.Is(err, esp.DNSFail) {
		t.Fatalf("TCPConnect = %d, %v; want -1, DNS Fail", sock, err)
	}
	if d.LastError() != esp.DNSFail {
		t.Errorf("LastError = %v, want DNS Fail", d.LastError())
	}

	// The slot was released: the next connect claims 0 again.
	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	sock, err = d.TCPConnect("h", 80, nil)
	if sock != 0 || err != nil {
		t.Errorf("slot not released: TCPConnect = %d, %v", sock, err)
	}
}

func TestConnectError(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)
	tt.Expect(`AT+CIPSTART=0,"TCP","h",81`, "ERROR\r\n")
	sock, err := d.TCPConnect("h", 81, nil)
	if sock != -1 || !errors.Is(err, esp.Fail) {
		t.Errorf("TCPConnect = %d, %v; want -1, Fail", sock, err)
	}
}

func TestAccept(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	accepted := []int{}
	tt.Expect("AT+CIPSERVER=1,80", "OK\r\n")
	if err := d.Listen(80, func(sock int) { accepted = append(accepted, sock) }); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	tt.Feed("1,CONNECT\r\n")
	d.Receive()
	if len(accepted) != 1 || accepted[0] != 1 {
		t.Fatalf("accept callback got %v, want [1]", accepted)
	}

	var rx sink
	if err := d.Accept(1, rx.cb); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	tt.Feed("+IPD,1,2:hi")
	d.Receive()
	if got := string(rx.bytes); got != "hi" {
		t.Errorf("received %q, want %q", got, "hi")
	}
}

func TestUnlistenRemovesAcceptCallback(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	accepted := 0
	tt.Expect("AT+CIPSERVER=1,80", "OK\r\n")
	if err := d.Listen(80, func(int) { accepted++ }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tt.Expect("AT+CIPSERVER=0", "OK\r\n")
	if err := d.Unlisten(); err != nil {
		t.Fatalf("Unlisten: %v", err)
	}

	tt.Feed("2,CONNECT\r\n")
	d.Receive()
	if accepted != 0 {
		t.Errorf("accept callback fired after Unlisten: %d", accepted)
	}
}

func TestWriteZeroBytes(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	before := tt.Sent()
	n, err := d.Write(0, nil)
	if n != 0 || err != nil {
		t.Errorf("Write(0, nil) = %d, %v; want 0, nil", n, err)
	}
	if tt.Sent() != before {
		t.Error("zero-length write touched the wire")
	}
}

func TestWriteChunks(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	tt.Expect("AT+CIPSEND=0,1500", "OK\r\n> ")
	tt.ExpectRaw(1500, "SEND OK\r\n")
	tt.Expect("AT+CIPSEND=0,1500", "OK\r\n> ")
	tt.ExpectRaw(1500, "SEND OK\r\n")

	n, err := d.Write(0, make([]byte, 3000))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 3000 {
		t.Errorf("Write = %d, want 3000", n)
	}
	if !tt.Done() {
		t.Error("expected exactly two 1500-byte CIPSEND rounds")
	}
}

func TestWriteSendFail(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	tt.Expect("AT+CIPSEND=0,4", "OK\r\n> ")
	tt.ExpectRaw(4, "SEND FAIL\r\n")
	n, err := d.Write(0, []byte("data"))
	if n != -1 || !errors.Is(err, esp.Fail) {
		t.Errorf("Write = %d, %v; want -1, Fail", n, err)
	}
}

func TestWriteRejectsUDPAddressOnTCP(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	n, err := d.WriteTo(0, []byte("x"), "10.0.0.9")
	if n != -1 || !errors.Is(err, esp.Invalid) {
		t.Errorf("WriteTo on TCP = %d, %v; want -1, Invalid", n, err)
	}
}

func TestWriteBadSocket(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)
	n, err := d.Write(7, []byte("x"))
	if n != -1 || !errors.Is(err, esp.Invalid) {
		t.Errorf("Write(7) = %d, %v; want -1, Invalid", n, err)
	}
}

func TestUDPWriteTo(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect(`AT+CIPSTART=0,"UDP","h",123,2000,2`, "0,CONNECT\r\nOK\r\n")
	sock, err := d.UDPSocket("h", 123, nil, 2000)
	if err != nil || sock != 0 {
		t.Fatalf("UDPSocket = %d, %v", sock, err)
	}

	tt.Expect(`AT+CIPSEND=0,"10.0.0.9",3`, "OK\r\n> ")
	tt.ExpectRaw(3, "SEND OK\r\n")
	n, err := d.WriteTo(sock, []byte("png"), "10.0.0.9")
	if n != 3 || err != nil {
		t.Errorf("WriteTo = %d, %v; want 3, nil", n, err)
	}
}

func TestSocketExhaustion(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	for i := 0; i < esp.NConnection; i++ {
		id := string(rune('0' + i))
		tt.Expect(`AT+CIPSTART=`+id+`,"TCP","h",80`, id+",CONNECT\r\nOK\r\n")
		sock, err := d.TCPConnect("h", 80, nil)
		if err != nil || sock != i {
			t.Fatalf("TCPConnect #%d = %d, %v", i, sock, err)
		}
	}

	before := tt.Sent()
	sock, err := d.TCPConnect("h", 80, nil)
	if sock != -1 || !errors.Is(err, esp.Resource) {
		t.Fatalf("TCPConnect with full table = %d, %v; want -1, Resource", sock, err)
	}
	if tt.Sent() != before {
		t.Error("exhausted connect touched the wire")
	}
}

func TestCloseTwice(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	tt.Expect("AT+CIPCLOSE=0", "0,CLOSED\r\nOK\r\n")
	if err := d.Close(0); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(0); !errors.Is(err, esp.Invalid) {
		t.Errorf("second Close = %v, want Invalid", err)
	}
	if d.LastError() != esp.Invalid {
		t.Errorf("LastError = %v, want Invalid", d.LastError())
	}
}

func TestCloseDisconnectedIsLocal(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	tt.Feed("0,CLOSED\r\n")
	d.Receive()

	before := tt.Sent()
	if err := d.Close(0); err != nil {
		t.Errorf("Close of disconnected session = %v, want nil", err)
	}
	if tt.Sent() != before {
		t.Error("local close touched the wire")
	}
}

func TestCloseClearsSlotOnModuleError(t *testing.T) {
	tt := esp.NewTestTransport()
	d := connected(t, tt, nil)

	tt.Expect("AT+CIPCLOSE=0", "ERROR\r\n")
	if err := d.Close(0); !errors.Is(err, esp.Fail) {
		t.Fatalf("Close = %v, want Fail", err)
	}

	// The local slot is released even though the module said ERROR.
	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	sock, err := d.TCPConnect("h", 80, nil)
	if sock != 0 || err != nil {
		t.Errorf("slot leaked after failed close: %d, %v", sock, err)
	}
}

func TestStartAdjustsModes(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("ATE0", "OK\r\n").
		Expect("AT+CIPMODE?", "+CIPMODE:1\r\nOK\r\n").
		Expect("AT+CIPMODE=0", "OK\r\n").
		Expect("AT+CIPMUX?", "+CIPMUX:0\r\nOK\r\n").
		Expect("AT+CIPMUX=1", "OK\r\n")

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tt.Done() {
		t.Error("script not fully consumed")
	}
}

func TestReset(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+RST", "ready\r\n")
	startScript(tt)
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !d.Ready() {
		t.Error("device not ready after Reset")
	}
	if !tt.Done() {
		t.Error("script not fully consumed")
	}
}

func TestAPJoin(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect(`AT+CWJAP="NETGEAR67","secret"`, "WIFI CONNECTED\r\nWIFI GOT IP\r\n\r\nOK\r\n")
	if err := d.APJoin("NETGEAR67", "secret"); err != nil {
		t.Fatalf("APJoin: %v", err)
	}

	tt2 := esp.NewTestTransport()
	d2 := newDevice(t, tt2)
	tt2.Expect(`AT+CWJAP="NETGEAR67","wrong"`, "FAIL\r\n")
	if err := d2.APJoin("NETGEAR67", "wrong"); !errors.Is(err, esp.Fail) {
		t.Errorf("APJoin with bad password = %v, want Fail", err)
	}
}

func TestAPSSID(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+CWJAP?", "+CWJAP:\"NETGEAR67\",\"c0:ff:d4:95:80:04\",7,-66\r\n\r\nOK\r\n")
	st, err := d.APSSID()
	if err != nil {
		t.Fatalf("APSSID: %v", err)
	}
	if st.SSID != "NETGEAR67" || st.MAC != "c0:ff:d4:95:80:04" || st.Channel != 7 || st.RSSI != -66 {
		t.Errorf("APSSID = %+v", st)
	}
}

func TestIsWifi(t *testing.T) {
	t.Run("no AP", func(t *testing.T) {
		tt := esp.NewTestTransport()
		d := newDevice(t, tt)
		tt.Expect("AT+CWJAP?", "No AP\r\n\r\nOK\r\n")
		if d.IsWifi(false) {
			t.Error("IsWifi = true with no AP")
		}
	})

	t.Run("joined with ip", func(t *testing.T) {
		tt := esp.NewTestTransport()
		d := newDevice(t, tt)
		tt.Expect("AT+CWJAP?", "+CWJAP:\"NETGEAR67\",\"c0:ff:d4:95:80:04\",7,-66\r\n\r\nOK\r\n")
		tt.Expect("AT+CIPAP?", "+CIPAP:ip:\"192.168.0.73\"\r\n+CIPAP:gateway:\"192.168.0.1\"\r\n+CIPAP:netmask:\"255.255.255.0\"\r\n\r\nOK\r\n")
		if !d.IsWifi(true) {
			t.Error("IsWifi = false for a joined module with an address")
		}
	})
}

func TestQuerySoftAP(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+CWSAP?", "+CWSAP:\"AI-THINKER_FA205E\",\"\",11,0\r\n\r\nOK\r\n")
	ap, err := d.QuerySoftAP()
	if err != nil {
		t.Fatalf("QuerySoftAP: %v", err)
	}
	if ap.SSID != "AI-THINKER_FA205E" || ap.Password != "" || ap.Channel != 11 || ap.Ecn != esp.EcnOpen {
		t.Errorf("QuerySoftAP = %+v", ap)
	}
}

func TestStationInfo(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+CIPSTA?", "+CIPSTA:ip:\"192.168.0.73\"\r\n+CIPSTA:gateway:\"192.168.0.1\"\r\n+CIPSTA:netmask:\"255.255.255.0\"\r\n\r\nOK\r\n")
	info, err := d.StationInfo()
	if err != nil {
		t.Fatalf("StationInfo: %v", err)
	}
	want := esp.IPInfo{IP: "192.168.0.73", Gateway: "192.168.0.1", Netmask: "255.255.255.0"}
	if info != want {
		t.Errorf("StationInfo = %+v, want %+v", info, want)
	}
}

func TestMACQueries(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+CIPSTAMAC?", "+CIPSTAMAC:\"18:fe:34:fa:20:5e\"\r\n\r\nOK\r\n")
	mac, err := d.StationMAC()
	if err != nil || mac != "18:fe:34:fa:20:5e" {
		t.Errorf("StationMAC = %q, %v", mac, err)
	}

	tt.Expect("AT+CIPAPMAC?", "+CIPAPMAC:\"1a:fe:34:fa:20:5e\"\r\n\r\nOK\r\n")
	mac, err = d.APMAC()
	if err != nil || mac != "1a:fe:34:fa:20:5e" {
		t.Errorf("APMAC = %q, %v", mac, err)
	}
}

func TestVersion(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+GMR", "AT version:0.25.0.0(Jun  5 2015 16:27:16)\r\nSDK version:1.1.1\r\nAi-Thinker Technology Co. Ltd.\r\nJun 23 2015 23:23:50\r\n\r\nOK\r\n")
	v, err := d.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "0.25.0.0(Jun  5 2015 16:27:16)" {
		t.Errorf("Version = %q", v)
	}
}

func TestSimpleSettings(t *testing.T) {
	tests := []struct {
		name   string
		script func(tt *esp.TestTransport)
		run    func(d *esp.Device) error
	}{
		{
			"set timeout",
			func(tt *esp.TestTransport) { tt.Expect("AT+CIPSTO=60", "OK\r\n") },
			func(d *esp.Device) error { return d.SetTimeout(60) },
		},
		{
			"set autoconn off",
			func(tt *esp.TestTransport) { tt.Expect("AT+CWAUTOCONN=0", "OK\r\n") },
			func(d *esp.Device) error { return d.SetAutoConn(false) },
		},
		{
			"dhcp on",
			func(tt *esp.TestTransport) { tt.Expect("AT+CWDHCP=2,1", "OK\r\n") },
			func(d *esp.Device) error { return d.DHCP(true) },
		},
		{
			"set ap addr",
			func(tt *esp.TestTransport) { tt.Expect(`AT+CIPAP="192.168.4.1"`, "OK\r\n") },
			func(d *esp.Device) error { return d.SetAPAddr("192.168.4.1") },
		},
		{
			"set station addr",
			func(tt *esp.TestTransport) { tt.Expect(`AT+CIPSTA="192.168.0.50"`, "OK\r\n") },
			func(d *esp.Device) error { return d.SetStationAddr("192.168.0.50") },
		},
		{
			"set station mac",
			func(tt *esp.TestTransport) { tt.Expect(`AT+CIPSTAMAC="18:fe:34:fa:20:5e"`, "OK\r\n") },
			func(d *esp.Device) error { return d.SetStationMAC("18:fe:34:fa:20:5e") },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt := esp.NewTestTransport()
			d := newDevice(t, tt)
			tc.script(tt)
			if err := tc.run(d); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.Done() {
				t.Error("script not fully consumed")
			}
		})
	}
}

func TestQuerySettings(t *testing.T) {
	tt := esp.NewTestTransport()
	d := newDevice(t, tt)

	tt.Expect("AT+CIPSTO?", "+CIPSTO:180\r\nOK\r\n")
	secs, err := d.Timeout()
	if err != nil || secs != 180 {
		t.Errorf("Timeout = %d, %v; want 180, nil", secs, err)
	}

	tt.Expect("AT+CWAUTOCONN?", "+CWAUTOCONN:1\r\nOK\r\n")
	on, err := d.AutoConn()
	if err != nil || !on {
		t.Errorf("AutoConn = %v, %v; want true, nil", on, err)
	}
}

func TestResetMidSession(t *testing.T) {
	tt := esp.NewTestTransport()
	var rx0, rx2 sink
	d := newDevice(t, tt)

	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	if _, err := d.TCPConnect("h", 80, rx0.cb); err != nil {
		t.Fatal(err)
	}
	tt.Expect(`AT+CIPSTART=1,"TCP","h",81`, "1,CONNECT\r\nOK\r\n")
	if _, err := d.TCPConnect("h", 81, rx2.cb); err != nil {
		t.Fatal(err)
	}

	tt.Feed("ready\r\n")
	d.Receive()

	if rx0.eofs != 1 || rx2.eofs != 1 {
		t.Errorf("sessions not torn down on ready: %d, %d", rx0.eofs, rx2.eofs)
	}
	if !d.Ready() {
		t.Error("ready flag not set")
	}

	// All slots were released.
	tt.Expect(`AT+CIPSTART=0,"TCP","h",80`, "0,CONNECT\r\nOK\r\n")
	sock, err := d.TCPConnect("h", 80, nil)
	if sock != 0 || err != nil {
		t.Errorf("slots not released by ready: %d, %v", sock, err)
	}
}
