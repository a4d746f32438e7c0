package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/paydist/internal/correlation"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/version"
)

const (
	submitPath  = "/v1/transactions"
	receiptPath = "/v1/transactions/%s/receipt"
	queryPath   = "/v1/queries"

	maxResponseBytes = 1 << 20
)

// HTTPTransport speaks JSON over HTTP to node gateways.
type HTTPTransport struct {
	client *http.Client
	scheme string
}

// NewHTTPTransport returns a transport using client. Endpoint addresses
// without a scheme are dialled with scheme ("https" when empty).
func NewHTTPTransport(client *http.Client, scheme string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if scheme == "" {
		scheme = "https"
	}
	return &HTTPTransport{client: client, scheme: scheme}
}

// Submit posts tx for precheck.
func (t *HTTPTransport) Submit(ctx context.Context, ep Endpoint, tx *ledger.Transaction) (ledger.SubmitResponse, error) {
	var resp ledger.SubmitResponse
	err := t.do(ctx, http.MethodPost, t.url(ep, submitPath), tx, &resp)
	return resp, err
}

// Receipt fetches the receipt of id as the node currently sees it.
func (t *HTTPTransport) Receipt(ctx context.Context, ep Endpoint, id ledger.TransactionID) (ledger.Receipt, error) {
	var resp ledger.Receipt
	err := t.do(ctx, http.MethodGet, t.url(ep, fmt.Sprintf(receiptPath, url.PathEscape(id.String()))), nil, &resp)
	return resp, err
}

// Query posts q and returns the node's answer.
func (t *HTTPTransport) Query(ctx context.Context, ep Endpoint, q ledger.Query) (ledger.QueryResponse, error) {
	var resp ledger.QueryResponse
	err := t.do(ctx, http.MethodPost, t.url(ep, queryPath), q, &resp)
	return resp, err
}

func (t *HTTPTransport) url(ep Endpoint, path string) string {
	base := strings.TrimRight(ep.Address, "/")
	if !strings.Contains(base, "://") {
		base = t.scheme + "://" + base
	}
	return base + path
}

func (t *HTTPTransport) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("nodeclient: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("nodeclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.Inject(ctx, req)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(limited, 512))
		return fmt.Errorf("nodeclient: %s %s: http %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("nodeclient: decode response: %w", err)
	}
	return nil
}
