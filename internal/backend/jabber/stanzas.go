package jabber

import (
	"encoding/xml"
	"fmt"
	"strings"

	"mellium.im/xmpp/stanza"
)

const (
	nsClient  = "jabber:client"
	nsStream  = "http://etherx.jabber.org/streams"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsRoster  = "jabber:iq:roster"
	nsPing    = "urn:xmpp:ping"
	nsVCard   = "vcard-temp"
	nsOOB     = "jabber:x:oob"
	nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

func streamHeader(domain string) []byte {
	return fmt.Appendf(nil,
		"<?xml version='1.0'?><stream:stream to='%s' version='1.0' xmlns='%s' xmlns:stream='%s'>",
		xmlEscape(domain), nsClient, nsStream)
}

var streamClose = []byte("</stream:stream>")

type features struct {
	XMLName    xml.Name `xml:"features"`
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Data      string   `xml:",chardata"`
}

type saslResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl response"`
	Data    string   `xml:",chardata"`
}

// saslReply covers challenge, success and failure.
type saslReply struct {
	XMLName   xml.Name
	Data      string    `xml:",chardata"`
	Condition []anyElem `xml:",any"`
}

type anyElem struct {
	XMLName xml.Name
}

type bindQuery struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
	JID      string   `xml:"jid,omitempty"`
}

type rosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Groups       []string `xml:"group"`
}

type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Items   []rosterItem `xml:"item"`
}

type vcard struct {
	XMLName  xml.Name `xml:"vcard-temp vCard"`
	FullName string   `xml:"FN,omitempty"`
	Nickname string   `xml:"NICKNAME,omitempty"`
}

type ping struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

type stanzaError struct {
	Type      string    `xml:"type,attr"`
	Text      string    `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	Condition []anyElem `xml:",any"`
}

func (e *stanzaError) String() string {
	if e == nil {
		return ""
	}
	if e.Text != "" {
		return e.Text
	}
	if len(e.Condition) > 0 {
		return e.Condition[0].XMLName.Local
	}
	return e.Type
}

type oob struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
	Desc    string   `xml:"desc,omitempty"`
}

// iq is used both ways; only one payload is set at a time.
type iq struct {
	stanza.IQ
	Bind   *bindQuery   `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
	Roster *rosterQuery `xml:"jabber:iq:roster query,omitempty"`
	VCard  *vcard       `xml:"vcard-temp vCard,omitempty"`
	Ping   *ping        `xml:"urn:xmpp:ping ping,omitempty"`
	Error  *stanzaError `xml:"error,omitempty"`
}

type message struct {
	stanza.Message
	Subject string       `xml:"subject,omitempty"`
	Body    string       `xml:"body,omitempty"`
	OOB     *oob         `xml:"jabber:x:oob x,omitempty"`
	Error   *stanzaError `xml:"error,omitempty"`
}

type presence struct {
	stanza.Presence
	Show     string       `xml:"show,omitempty"`
	Status   string       `xml:"status,omitempty"`
	Priority int          `xml:"priority,omitempty"`
	Error    *stanzaError `xml:"error,omitempty"`
}

type streamError struct {
	XMLName   xml.Name
	Text      string    `xml:"urn:ietf:params:xml:ns:xmpp-streams text"`
	Condition []anyElem `xml:",any"`
}

func (e streamError) String() string {
	if e.Text != "" {
		return e.Text
	}
	for _, c := range e.Condition {
		if c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return "stream error"
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
