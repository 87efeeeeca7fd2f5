// Package testutil provides testing utilities for the ServiceNow SOAP client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/beevik/etree"
)

// Field is one column of a mock record.
type Field struct {
	Name  string
	Value string
}

// Row is a mock table record. It should contain a sys_id field.
type Row []Field

// Get returns the value of the named field.
func (r Row) Get(name string) (string, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// MockFault defines a SOAP fault (or bare HTTP error) for one operation.
type MockFault struct {
	// OnCall is the 1-based call number that fails; 0 fails every call.
	OnCall      int
	StatusCode  int
	FaultCode   string
	FaultString string
	// Bare sends StatusCode with a plain text body instead of a SOAP fault.
	Bare    bool
	Headers map[string]string
}

// MockRequest is a SOAP request received by the mock.
type MockRequest struct {
	Table      string
	Operation  string
	SOAPAction string
	Params     map[string]string
}

// MockServiceNow is a configurable mock of ServiceNow's direct SOAP web services.
type MockServiceNow struct {
	server   *httptest.Server
	mu       sync.RWMutex
	username string
	password string

	tables     map[string][]Row
	faults     map[string]*MockFault
	operations []string
	headers    map[string]string
	maxRecords int

	// Tracking
	RequestCount int
	WSDLCount    int
	opCounts     map[string]int
	requests     []MockRequest
}

// NewMockServiceNow creates a mock instance accepting the given credentials.
func NewMockServiceNow(username, password string) *MockServiceNow {
	mock := &MockServiceNow{
		username:   username,
		password:   password,
		tables:     make(map[string][]Row),
		faults:     make(map[string]*MockFault),
		operations: []string{"get", "getKeys", "getRecords", "insert", "update", "deleteRecord"},
		headers:    make(map[string]string),
		maxRecords: 250,
		opCounts:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockServiceNow) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockServiceNow) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockServiceNow) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.WSDLCount = 0
	m.opCounts = make(map[string]int)
	m.requests = nil
}

// SetTable replaces the rows of a table.
func (m *MockServiceNow) SetTable(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = rows
}

// SetFault makes operation op on table fail as described.
func (m *MockServiceNow) SetFault(table, op string, fault MockFault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[table+"/"+op] = &fault
}

// ClearFaults removes all configured faults.
func (m *MockServiceNow) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]*MockFault)
}

// SetOperations sets the operations advertised by every WSDL.
func (m *MockServiceNow) SetOperations(ops ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = ops
}

// SetHeader adds a header to every response (e.g. rate limit headers).
func (m *MockServiceNow) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[key] = value
}

// SetMaxRecords sets the getRecords response ceiling.
func (m *MockServiceNow) SetMaxRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRecords = n
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockServiceNow) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetWSDLCount returns the number of WSDL downloads.
func (m *MockServiceNow) GetWSDLCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.WSDLCount
}

// OperationCount returns how many times op was called on table.
func (m *MockServiceNow) OperationCount(table, op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opCounts[table+"/"+op]
}

// Requests returns a copy of the SOAP requests received so far.
func (m *MockServiceNow) Requests() []MockRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockRequest(nil), m.requests...)
}

func (m *MockServiceNow) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	for k, v := range m.headers {
		w.Header().Set(k, v)
	}
	m.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != m.username || pass != m.password {
		w.Header().Set("WWW-Authenticate", `Basic realm="Service-now"`)
		http.Error(w, "User Not Authenticated", http.StatusUnauthorized)
		return
	}

	table, found := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".do")
	if !found || table == "" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	switch {
	case r.Method == http.MethodGet && query.Has("WSDL"):
		m.serveWSDL(w, table)
	case r.Method == http.MethodPost && query.Has("SOAP"):
		m.serveSOAP(w, r, table)
	default:
		http.Error(w, "unsupported request", http.StatusBadRequest)
	}
}

func (m *MockServiceNow) serveWSDL(w http.ResponseWriter, table string) {
	m.mu.Lock()
	m.WSDLCount++
	ops := append([]string(nil), m.operations...)
	m.mu.Unlock()

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	defs := doc.CreateElement("wsdl:definitions")
	defs.CreateAttr("xmlns:wsdl", "http://schemas.xmlsoap.org/wsdl/")
	defs.CreateAttr("xmlns:soap", "http://schemas.xmlsoap.org/wsdl/soap/")
	defs.CreateAttr("targetNamespace", "http://www.service-now.com/"+table)

	portType := defs.CreateElement("wsdl:portType")
	portType.CreateAttr("name", "ServiceNowSoap")
	binding := defs.CreateElement("wsdl:binding")
	binding.CreateAttr("name", "ServiceNowSoap")
	binding.CreateAttr("type", "tns:ServiceNowSoap")
	for _, op := range ops {
		portType.CreateElement("wsdl:operation").CreateAttr("name", op)
		bop := binding.CreateElement("wsdl:operation")
		bop.CreateAttr("name", op)
		bop.CreateElement("soap:operation").CreateAttr("soapAction", "http://www.service-now.com/"+table+"/"+op)
	}

	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	doc.WriteTo(w)
}

func (m *MockServiceNow) serveSOAP(w http.ResponseWriter, r *http.Request, table string) {
	req := etree.NewDocument()
	if _, err := req.ReadFrom(r.Body); err != nil {
		writeFault(w, http.StatusInternalServerError, "SOAP-ENV:Client", "Unable to parse SOAP document")
		return
	}

	body := req.FindElement("//Body")
	if body == nil || len(body.ChildElements()) == 0 {
		writeFault(w, http.StatusInternalServerError, "SOAP-ENV:Client", "Missing SOAP body")
		return
	}

	opEl := body.ChildElements()[0]
	op := opEl.Tag
	params := make(map[string]string)
	for _, child := range opEl.ChildElements() {
		params[child.Tag] = child.Text()
	}

	m.mu.Lock()
	key := table + "/" + op
	m.opCounts[key]++
	call := m.opCounts[key]
	m.requests = append(m.requests, MockRequest{
		Table:      table,
		Operation:  op,
		SOAPAction: r.Header.Get("SOAPAction"),
		Params:     params,
	})
	fault := m.faults[key]
	rows := m.tables[table]
	limit := m.maxRecords
	_, tableExists := m.tables[table]
	m.mu.Unlock()

	if fault != nil && (fault.OnCall == 0 || fault.OnCall == call) {
		for k, v := range fault.Headers {
			w.Header().Set(k, v)
		}
		if fault.Bare {
			http.Error(w, fault.FaultString, fault.StatusCode)
			return
		}
		writeFault(w, fault.StatusCode, fault.FaultCode, fault.FaultString)
		return
	}

	if !tableExists {
		writeFault(w, http.StatusInternalServerError, "SOAP-ENV:Server", "Invalid table: "+table)
		return
	}

	matched, err := filterRows(rows, params)
	if err != nil {
		writeFault(w, http.StatusInternalServerError, "SOAP-ENV:Client", err.Error())
		return
	}
	resp, respBody := newEnvelope()
	switch op {
	case "getKeys":
		out := respBody.CreateElement("getKeysResponse")
		ids := make([]string, 0, len(matched))
		for _, row := range matched {
			id, _ := row.Get("sys_id")
			ids = append(ids, id)
		}
		out.CreateElement("sys_id").SetText(strings.Join(ids, ","))
		out.CreateElement("count").SetText(fmt.Sprint(len(ids)))
	case "getRecords":
		out := respBody.CreateElement("getRecordsResponse")
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		for _, row := range matched {
			result := out.CreateElement("getRecordsResult")
			for _, f := range row {
				result.CreateElement(f.Name).SetText(f.Value)
			}
		}
	default:
		writeFault(w, http.StatusInternalServerError, "SOAP-ENV:Client", "Unsupported operation: "+op)
		return
	}

	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	resp.WriteTo(w)
}

// filterRows applies the encoded query and plain equality params to rows.
func filterRows(rows []Row, params map[string]string) ([]Row, error) {
	var terms []string
	for k, v := range params {
		if k == "__encoded_query" {
			if v != "" {
				terms = append(terms, splitTerms(v)...)
			}
			continue
		}
		terms = append(terms, k+"="+v)
	}

	var out []Row
	for _, row := range rows {
		ok, err := matchAll(row, terms)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// splitTerms splits an encoded query on "^", reading "^^" as a literal caret.
func splitTerms(q string) []string {
	var terms []string
	var term strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] != '^' {
			term.WriteByte(q[i])
			continue
		}
		if i+1 < len(q) && q[i+1] == '^' {
			term.WriteByte('^')
			i++
			continue
		}
		terms = append(terms, term.String())
		term.Reset()
	}
	return append(terms, term.String())
}

func matchAll(row Row, terms []string) (bool, error) {
	for _, term := range terms {
		switch {
		case strings.Contains(term, "!="):
			field, value, _ := strings.Cut(term, "!=")
			if v, _ := row.Get(field); v == value {
				return false, nil
			}
		case strings.Contains(term, "="):
			field, value, _ := strings.Cut(term, "=")
			if v, _ := row.Get(field); v != value {
				return false, nil
			}
		case strings.Contains(term, "IN"):
			field, list, _ := strings.Cut(term, "IN")
			v, _ := row.Get(field)
			found := false
			for _, item := range strings.Split(list, ",") {
				if item == v {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("invalid encoded query term: %s", term)
		}
	}
	return true, nil
}

func newEnvelope() (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("SOAP-ENV:Envelope")
	env.CreateAttr("xmlns:SOAP-ENV", "http://schemas.xmlsoap.org/soap/envelope/")
	return doc, env.CreateElement("SOAP-ENV:Body")
}

func writeFault(w http.ResponseWriter, status int, code, msg string) {
	doc, body := newEnvelope()
	fault := body.CreateElement("SOAP-ENV:Fault")
	fault.CreateElement("faultcode").SetText(code)
	fault.CreateElement("faultstring").SetText(msg)
	fault.CreateElement("detail").SetText(msg)

	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.WriteHeader(status)
	doc.WriteTo(w)
}

// NewRow builds a row from alternating name/value pairs.
func NewRow(pairs ...string) Row {
	row := make(Row, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		row = append(row, Field{Name: pairs[i], Value: pairs[i+1]})
	}
	return row
}

// NewIncidents creates n incident rows with sys_ids inc000..inc(n-1).
func NewIncidents(n int, active string) []Row {
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, NewRow(
			"sys_id", fmt.Sprintf("inc%03d", i),
			"number", fmt.Sprintf("INC%07d", i),
			"active", active,
			"short_description", fmt.Sprintf("Incident %d", i),
		))
	}
	return rows
}
