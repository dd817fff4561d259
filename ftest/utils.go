package ftest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const (
	DefaultAdmin = "admin@example.com"
	DefaultPass  = "password"

	soapPath       = "/service/admin/soap"
	adminToken     = "admin-token-1"
	userToken      = "user-token-1"
	sessionID      = "s-1"
	delegatePrefix = "delegated-"
)

// Message is one stored message in a fixture mailbox. An empty From
// renders with no sender participant, the way drafts come back.
type Message struct {
	ID     string
	CID    string
	DateMS int64
	Size   int64
	From   string
	Flags  string
}

// Fixture describes the fake server's world. Mailboxes keys define
// which accounts exist; every account named in Directory should have a
// Mailboxes entry, even an empty one. Store messages oldest first; the
// server returns them as stored and matches every query.
type Fixture struct {
	AdminUser string
	AdminPass string
	Directory []string
	Mailboxes map[string][]Message
}

// Delete is one recorded MsgActionRequest.
type Delete struct {
	Account string
	IDs     string
}

// Server fakes the admin SOAP endpoint over HTTPS and records the
// traffic a sweep generates.
type Server struct {
	ts      *httptest.Server
	fixture Fixture

	mu          sync.Mutex
	boxes       map[string][]Message
	directory   []string
	failures    int
	failed      int
	delegations map[string]int
	deletes     []Delete
	queries     []string
	filters     []string
}

func SetupSOAPServer(t *testing.T, fixture Fixture) (*Server, func()) {
	t.Helper()

	if fixture.AdminUser == "" {
		fixture.AdminUser = DefaultAdmin
	}
	if fixture.AdminPass == "" {
		fixture.AdminPass = DefaultPass
	}

	s := &Server{
		fixture:     fixture,
		boxes:       make(map[string][]Message, len(fixture.Mailboxes)),
		directory:   append([]string(nil), fixture.Directory...),
		delegations: make(map[string]int),
	}
	for account, msgs := range fixture.Mailboxes {
		s.boxes[account] = append([]Message(nil), msgs...)
	}

	s.ts = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s, func() { s.ts.Close() }
}

func (s *Server) URL() string {
	return s.ts.URL
}

// HTTPClient returns a client that trusts the test server's
// certificate.
func (s *Server) HTTPClient() *http.Client {
	return s.ts.Client()
}

// FailNext makes the next n HTTP requests fail with a 503 before any
// SOAP handling, to exercise the caller's retry policy.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *Server) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Delegations reports how many DelegateAuthRequests were issued for
// account.
func (s *Server) Delegations(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegations[account]
}

func (s *Server) Deletes() []Delete {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delete(nil), s.deletes...)
}

// Queries reports every mailbox search query received, in order.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// DirectoryFilters reports every directory search filter received.
func (s *Server) DirectoryFilters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.filters...)
}

// MessageCount reports how many messages account still holds, deletes
// applied.
func (s *Server) MessageCount(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes[account])
}

type rxEnvelope struct {
	Header struct {
		Context struct {
			AuthToken string `xml:"authToken"`
		} `xml:"context"`
	} `xml:"Header"`
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type rxAccountBy struct {
	Name string `xml:",chardata"`
}

type rxAuth struct {
	Name     string      `xml:"name"`
	Account  rxAccountBy `xml:"account"`
	Password string      `xml:"password"`
}

type rxDelegate struct {
	Account rxAccountBy `xml:"account"`
}

type rxDirectorySearch struct {
	Query  string `xml:"query,attr"`
	Limit  int    `xml:"limit,attr"`
	Offset int    `xml:"offset,attr"`
}

type rxMailSearch struct {
	Limit  int    `xml:"limit,attr"`
	Offset int    `xml:"offset,attr"`
	Query  string `xml:"query"`
}

type rxMsgAction struct {
	Action struct {
		Op string `xml:"op,attr"`
		ID string `xml:"id,attr"`
	} `xml:"action"`
}

type txSession struct {
	ID   string `xml:"id,attr"`
	Text string `xml:",chardata"`
}

type txAuthResponse struct {
	XMLName   xml.Name   `xml:"AuthResponse"`
	AuthToken string     `xml:"authToken"`
	Session   *txSession `xml:"session,omitempty"`
}

type txDelegateResponse struct {
	XMLName   xml.Name `xml:"urn:zimbraAdmin DelegateAuthResponse"`
	AuthToken string   `xml:"authToken"`
}

type txGetInfoResponse struct {
	XMLName xml.Name `xml:"urn:zimbraAccount GetInfoResponse"`
	Name    string   `xml:"name"`
}

type txDirectoryResponse struct {
	XMLName  xml.Name             `xml:"urn:zimbraAdmin SearchDirectoryResponse"`
	More     string               `xml:"more,attr"`
	Accounts []txDirectoryAccount `xml:"account"`
}

type txDirectoryAccount struct {
	Name string `xml:"name,attr"`
}

type txSearchResponse struct {
	XMLName  xml.Name    `xml:"urn:zimbraMail SearchResponse"`
	More     string      `xml:"more,attr"`
	Messages []txMessage `xml:"m"`
}

type txMessage struct {
	ID      string     `xml:"id,attr"`
	CID     string     `xml:"cid,attr"`
	Date    int64      `xml:"d,attr"`
	Size    int64      `xml:"s,attr"`
	Flags   string     `xml:"f,attr"`
	Senders []txSender `xml:"e"`
}

type txSender struct {
	Address string `xml:"a,attr"`
}

type txMsgActionResponse struct {
	XMLName xml.Name `xml:"urn:zimbraMail MsgActionResponse"`
	Action  struct {
		Op string `xml:"op,attr"`
		ID string `xml:"id,attr"`
	} `xml:"action"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != soapPath {
		http.NotFound(w, r)
		return
	}
	if s.takeFailure() {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeFault(w, "service.FAILURE", "reading request")
		return
	}
	var env rxEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable envelope")
		return
	}
	var probe struct{ XMLName xml.Name }
	if err := xml.Unmarshal(env.Body.Inner, &probe); err != nil {
		writeFault(w, "service.PARSE_ERROR", "empty body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := env.Header.Context.AuthToken
	switch probe.XMLName.Local {
	case "AuthRequest":
		s.handleAuth(w, env.Body.Inner, probe.XMLName.Space)
	case "DelegateAuthRequest":
		s.handleDelegate(w, token, env.Body.Inner)
	case "GetInfoRequest":
		s.handleGetInfo(w, token)
	case "SearchDirectoryRequest":
		s.handleDirectory(w, token, env.Body.Inner)
	case "SearchRequest":
		s.handleMailSearch(w, token, env.Body.Inner)
	case "MsgActionRequest":
		s.handleMsgAction(w, token, env.Body.Inner)
	default:
		writeFault(w, "service.UNKNOWN_DOCUMENT", "unhandled request "+probe.XMLName.Local)
	}
}

func (s *Server) takeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures <= 0 {
		return false
	}
	s.failures--
	s.failed++
	return true
}

func (s *Server) handleAuth(w http.ResponseWriter, inner []byte, ns string) {
	var req rxAuth
	if err := xml.Unmarshal(inner, &req); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable auth request")
		return
	}
	name := req.Name
	if name == "" {
		name = strings.TrimSpace(req.Account.Name)
	}
	if name != s.fixture.AdminUser || req.Password != s.fixture.AdminPass {
		writeFault(w, "account.AUTH_FAILED", "authentication failed for "+name)
		return
	}

	token := adminToken
	if ns == "urn:zimbraAccount" {
		token = userToken
	}
	writeBody(w, txAuthResponse{
		XMLName:   xml.Name{Space: ns, Local: "AuthResponse"},
		AuthToken: token,
		Session:   &txSession{ID: sessionID, Text: sessionID},
	})
}

func (s *Server) handleDelegate(w http.ResponseWriter, token string, inner []byte) {
	if token != adminToken {
		writeFault(w, "service.AUTH_REQUIRED", "delegation requires an admin token")
		return
	}
	var req rxDelegate
	if err := xml.Unmarshal(inner, &req); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable delegate request")
		return
	}
	account := strings.TrimSpace(req.Account.Name)
	if _, ok := s.boxes[account]; !ok {
		writeFault(w, "account.NO_SUCH_ACCOUNT", "no such account: "+account)
		return
	}
	s.delegations[account]++
	writeBody(w, txDelegateResponse{AuthToken: delegatePrefix + account})
}

func (s *Server) handleGetInfo(w http.ResponseWriter, token string) {
	account := s.accountForToken(token)
	if account == "" {
		writeFault(w, "service.AUTH_REQUIRED", "no valid token")
		return
	}
	writeBody(w, txGetInfoResponse{Name: account})
}

func (s *Server) handleDirectory(w http.ResponseWriter, token string, inner []byte) {
	if token != adminToken {
		writeFault(w, "service.AUTH_REQUIRED", "directory search requires an admin token")
		return
	}
	var req rxDirectorySearch
	if err := xml.Unmarshal(inner, &req); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable directory search")
		return
	}
	s.filters = append(s.filters, req.Query)

	start, end, more := pageBounds(len(s.directory), req.Offset, req.Limit)
	resp := txDirectoryResponse{More: boolAttr(more)}
	for _, name := range s.directory[start:end] {
		resp.Accounts = append(resp.Accounts, txDirectoryAccount{Name: name})
	}
	writeBody(w, resp)
}

func (s *Server) handleMailSearch(w http.ResponseWriter, token string, inner []byte) {
	account := s.accountForToken(token)
	if account == "" {
		writeFault(w, "service.AUTH_REQUIRED", "no valid token")
		return
	}
	var req rxMailSearch
	if err := xml.Unmarshal(inner, &req); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable search")
		return
	}
	s.queries = append(s.queries, req.Query)

	msgs := s.boxes[account]
	start, end, more := pageBounds(len(msgs), req.Offset, req.Limit)
	resp := txSearchResponse{More: boolAttr(more)}
	for _, msg := range msgs[start:end] {
		tx := txMessage{ID: msg.ID, CID: msg.CID, Date: msg.DateMS, Size: msg.Size, Flags: msg.Flags}
		if msg.From != "" {
			tx.Senders = []txSender{{Address: msg.From}}
		}
		resp.Messages = append(resp.Messages, tx)
	}
	writeBody(w, resp)
}

func (s *Server) handleMsgAction(w http.ResponseWriter, token string, inner []byte) {
	account := s.accountForToken(token)
	if account == "" {
		writeFault(w, "service.AUTH_REQUIRED", "no valid token")
		return
	}
	var req rxMsgAction
	if err := xml.Unmarshal(inner, &req); err != nil {
		writeFault(w, "service.PARSE_ERROR", "undecodable action")
		return
	}
	if req.Action.Op != "delete" {
		writeFault(w, "service.INVALID_REQUEST", "unsupported op "+req.Action.Op)
		return
	}

	s.deletes = append(s.deletes, Delete{Account: account, IDs: req.Action.ID})

	gone := make(map[string]bool)
	for _, id := range strings.Split(req.Action.ID, ",") {
		gone[id] = true
	}
	var kept []Message
	for _, msg := range s.boxes[account] {
		if !gone[msg.ID] {
			kept = append(kept, msg)
		}
	}
	s.boxes[account] = kept

	resp := txMsgActionResponse{}
	resp.Action.Op = req.Action.Op
	resp.Action.ID = req.Action.ID
	writeBody(w, resp)
}

func (s *Server) accountForToken(token string) string {
	if token == adminToken || token == userToken {
		return s.fixture.AdminUser
	}
	if account, ok := strings.CutPrefix(token, delegatePrefix); ok {
		if _, exists := s.boxes[account]; exists {
			return account
		}
	}
	return ""
}

func pageBounds(total, offset, limit int) (int, int, bool) {
	if offset >= total {
		return 0, 0, false
	}
	if limit <= 0 {
		limit = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end, end < total
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func writeBody(w http.ResponseWriter, payload any) {
	encoded, err := xml.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	fmt.Fprintf(w, envelopeFormat, encoded)
}

func writeFault(w http.ResponseWriter, code, reason string) {
	body := fmt.Sprintf(
		`<soap:Fault><soap:Reason><soap:Text>%s</soap:Text></soap:Reason><soap:Detail><Error xmlns="urn:zimbra"><Code>%s</Code></Error></soap:Detail></soap:Fault>`,
		reason, code)
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, envelopeFormat, body)
}

const envelopeFormat = `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>%s</soap:Body></soap:Envelope>`
