package at

// Action selects the handler the receive engine runs when a pattern has been
// matched to completion.
type Action int

const (
	ActionNone Action = iota
	ActionIPD
	ActionAutoConn
	ActionJoinedAP
	ActionSoftAP
	ActionAPIP
	ActionAPGateway
	ActionAPNetmask
	ActionAPMAC
	ActionStaIP
	ActionStaGateway
	ActionStaNetmask
	ActionStaMAC
	ActionMode
	ActionMux
	ActionTimeout
	ActionOK
	ActionFail
	ActionError
	ActionSendOK
	ActionSendFail
	ActionConnect
	ActionClosed
	ActionDNSFail
	ActionWifiDisconnect
	ActionWifiConnect
	ActionWifiGotIP
	ActionVersion
	ActionNoAP
	ActionReady
)

// Pattern is one entry of the receive engine's recognition table. Text is the
// token anchored at the start of a line (the ",CONNECT"/",CLOSED" forms are
// anchored after a leading decimal session id). Start is the number of
// leading bytes shared with an earlier chain mate; when a longer pattern
// fails at exactly that offset the engine falls forward to the next entry
// sharing the prefix. Action names the post-match handler.
type Pattern struct {
	Text   string
	Start  int
	Action Action
}

// Patterns is ordered: entries sharing a prefix must be adjacent so the
// mismatch fallback can walk forward over them. Order and Start values are
// load-bearing; see TestPatternTable.
var Patterns = []Pattern{
	{"+IPD,", 0, ActionIPD},
	{"+CWAUTOCONN:", 1, ActionAutoConn},
	{"+CWJAP:\"", 3, ActionJoinedAP},
	{"+CWSAP:\"", 3, ActionSoftAP},
	{"+CIPAP:ip:\"", 2, ActionAPIP},
	{"+CIPAP:gateway:\"", 7, ActionAPGateway},
	{"+CIPAP:netmask:\"", 7, ActionAPNetmask},
	{"+CIPAPMAC:\"", 6, ActionAPMAC},
	{"+CIPMODE:", 4, ActionMode},
	{"+CIPMUX:", 5, ActionMux},
	{"+CIPSTA:ip:\"", 4, ActionStaIP},
	{"+CIPSTA:gateway:\"", 8, ActionStaGateway},
	{"+CIPSTA:netmask:\"", 8, ActionStaNetmask},
	{"+CIPSTAMAC:\"", 7, ActionStaMAC},
	{"+CIPSTO:", 6, ActionTimeout},
	{OK, 0, ActionOK},
	{FAIL, 0, ActionFail},
	{ERROR, 0, ActionError},
	{SendOK, 0, ActionSendOK},
	{SendFail, 5, ActionSendFail},
	{",CONNECT", 0, ActionConnect},
	{",CLOSED", 2, ActionClosed},
	{DNSFail, 0, ActionDNSFail},
	{WifiDisconnect, 0, ActionWifiDisconnect},
	{WifiConnect, 5, ActionWifiConnect},
	{WifiGotIP, 5, ActionWifiGotIP},
	{"AT version:", 0, ActionVersion},
	{NoAP, 0, ActionNoAP},
	{Ready, 0, ActionReady},
}
