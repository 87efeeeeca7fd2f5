package client

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	soapEnvNS = "http://schemas.xmlsoap.org/soap/envelope/"

	// serviceNS prefixes every table's target namespace.
	serviceNS = "http://www.service-now.com/"
)

type envelope struct {
	XMLName xml.Name     `xml:"soapenv:Envelope"`
	Soapenv string       `xml:"xmlns:soapenv,attr"`
	Tns     string       `xml:"xmlns:tns,attr"`
	Body    envelopeBody `xml:"soapenv:Body"`
}

type envelopeBody struct {
	Operation operation
}

// operation is a direct web service call on one table.
type operation struct {
	// Name is the web service method, e.g. "getKeys".
	Name string
	// Data holds the method's unqualified parameters.
	Data map[string]string
}

// MarshalXML encodes the operation as <tns:Name> with one child per Data key,
// keys sorted alphabetically.
func (op operation) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "tns:" + op.Name}
	start.Attr = nil

	tokens := []xml.Token{start}
	eachSortedKeyValue(op.Data, func(key, value string) {
		t := xml.StartElement{Name: xml.Name{Local: key}}
		tokens = append(tokens, t, xml.CharData(value), xml.EndElement{Name: t.Name})
	})
	tokens = append(tokens, xml.EndElement{Name: start.Name})

	for _, t := range tokens {
		if err := e.EncodeToken(t); err != nil {
			return err
		}
	}
	return e.Flush()
}

func eachSortedKeyValue(m map[string]string, fn func(key, value string)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, m[k])
	}
}

// buildEnvelope renders the request document for op on table.
func buildEnvelope(table string, op operation) ([]byte, error) {
	env := envelope{
		Soapenv: soapEnvNS,
		Tns:     serviceNS + table,
		Body:    envelopeBody{Operation: op},
	}

	body, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", op.Name, err)
	}
	return append([]byte(xml.Header), body...), nil
}

// soapAction returns the SOAPAction header value for op on table.
func soapAction(table, op string) string {
	return serviceNS + table + "/" + op
}

// parseFault returns the SOAP fault in doc, or nil if there is none.
func parseFault(doc *etree.Document) *SOAPError {
	fault := doc.FindElement("//Fault")
	if fault == nil {
		return nil
	}

	soapErr := &SOAPError{ErrorClass: ErrorClassClient}
	if code := fault.FindElement("faultcode"); code != nil {
		soapErr.FaultCode = strings.TrimSpace(code.Text())
	}
	if msg := fault.FindElement("faultstring"); msg != nil {
		soapErr.FaultString = strings.TrimSpace(msg.Text())
	}
	if detail := fault.FindElement("detail"); detail != nil && soapErr.FaultString == "" {
		soapErr.FaultString = strings.TrimSpace(detail.Text())
	}
	return soapErr
}

// parseKeys decodes a getKeysResponse into its sys_ids.
func parseKeys(doc *etree.Document) ([]string, error) {
	resp := doc.FindElement("//getKeysResponse")
	if resp == nil {
		return nil, fmt.Errorf("getKeysResponse element missing")
	}

	if countEl := resp.FindElement("count"); countEl != nil {
		count, err := strconv.Atoi(strings.TrimSpace(countEl.Text()))
		if err != nil {
			return nil, fmt.Errorf("parse getKeys count: %w", err)
		}
		if count == 0 {
			return []string{}, nil
		}
	}

	idsEl := resp.FindElement("sys_id")
	if idsEl == nil {
		return []string{}, nil
	}

	var ids []string
	for _, id := range strings.Split(idsEl.Text(), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// parseRecords decodes every getRecordsResult element in document order.
func parseRecords(doc *etree.Document) []*Record {
	results := doc.FindElements("//getRecordsResult")
	records := make([]*Record, 0, len(results))
	for _, result := range results {
		children := result.ChildElements()
		rec := &Record{fields: make([]Field, 0, len(children))}
		for _, child := range children {
			rec.fields = append(rec.fields, Field{Name: child.Tag, Value: child.Text()})
		}
		records = append(records, rec)
	}
	return records
}
