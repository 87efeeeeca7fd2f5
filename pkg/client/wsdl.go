package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Sternrassler/sn-soap-client/pkg/cache"
	"github.com/beevik/etree"
)

// ListOperations lists the operations bound by table's WSDL. Results are
// served from the WSDL cache when Redis is configured.
func (c *Client) ListOperations(ctx context.Context, table string) ([]string, error) {
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, c.wsdlKey(table))
		switch {
		case err == nil:
			c.logger.Debug().Str("table", table).Msg("WSDL cache hit")
			return entry.Operations, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("table", table).Msg("WSDL cache get error")
		}
	}

	return c.downloadOperations(ctx, table)
}

// downloadOperations fetches table's WSDL from the instance, bypassing the
// cache, and stores the result for later ListOperations calls.
func (c *Client) downloadOperations(ctx context.Context, table string) ([]string, error) {
	var ops []string
	var resp *http.Response
	err := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		var fetchErr error
		resp, ops, fetchErr = c.fetchWSDL(ctx, table)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		entry, err := cache.ResponseToEntry(resp, ops, c.config.WSDLCacheTTL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create WSDL cache entry")
		} else if err := c.cache.Set(ctx, c.wsdlKey(table), entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache WSDL")
		} else {
			c.logger.Debug().
				Str("table", table).
				Dur("ttl", entry.TTL()).
				Msg("Cached WSDL")
		}
	}

	return ops, nil
}

func (c *Client) wsdlKey(table string) cache.Key {
	return cache.Key{Instance: c.session.Instance, Table: table}
}

// fetchWSDL downloads table.do?WSDL. The returned response carries the
// already-read body so it can be handed to the cache.
func (c *Client) fetchWSDL(ctx context.Context, table string) (*http.Response, []string, error) {
	const opName = "wsdl"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.session.BaseURL+"/"+table+".do?WSDL", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	resp, data, err := c.do(req, opName)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, nil, c.record(opName, httpError(opName, resp, data))
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		// ServiceNow answers bad logins on some instances with an HTML login page.
		return nil, nil, c.record(opName, &SOAPError{
			Operation:   opName,
			StatusCode:  resp.StatusCode,
			ErrorClass:  ErrorClassAuth,
			FaultString: "WSDL response is not XML",
			Err:         err,
		})
	}

	requestsTotal.WithLabelValues(opName, strconv.Itoa(resp.StatusCode)).Inc()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, wsdlOperations(doc), nil
}

// wsdlOperations returns the distinct operation names of every binding in doc.
func wsdlOperations(doc *etree.Document) []string {
	seen := map[string]bool{}
	var ops []string
	for _, op := range doc.FindElements("//binding/operation") {
		name := op.SelectAttrValue("name", "")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ops = append(ops, name)
	}
	return ops
}
