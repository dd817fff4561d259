package soap

import "encoding/xml"

// Namespaces spoken by Zimbra-compatible servers.
const (
	NSEnvelope = "http://www.w3.org/2003/05/soap-envelope"
	NSContext  = "urn:zimbra"
	NSAdmin    = "urn:zimbraAdmin"
	NSAccount  = "urn:zimbraAccount"
	NSMail     = "urn:zimbraMail"
)

// AdminPath is the administrative SOAP endpoint on the target server.
const AdminPath = "/service/admin/soap"

// Context is the urn:zimbra header block carried on authenticated calls.
type Context struct {
	XMLName   xml.Name `xml:"urn:zimbra context"`
	AuthToken string   `xml:"authToken,omitempty"`
	Session   *Session `xml:"session,omitempty"`
}

// Session holds the server-issued session id, when one was granted.
type Session struct {
	ID string `xml:"id,attr"`
}

type requestEnvelope struct {
	XMLName xml.Name       `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  *requestHeader `xml:"Header,omitempty"`
	Body    requestBody    `xml:"Body"`
}

type requestHeader struct {
	Context *Context
}

type requestBody struct {
	Payload any
}

type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	Fault *wireFault `xml:"Fault"`
	Inner []byte     `xml:",innerxml"`
}

type wireFault struct {
	Reason struct {
		Text string `xml:"Text"`
	} `xml:"Reason"`
	Detail struct {
		Error struct {
			Code string `xml:"Code"`
		} `xml:"Error"`
	} `xml:"Detail"`
}
