// Package restapi is the REST Adapter: single-shot HTTP calls against one
// peer's base URL, mapped onto the small set of S2S endpoints and
// interpreted as typed responses or typed errors. Apart from one retry
// with a fresh bearer token after a 401, it never retries;
// retry-by-trying-another-peer is the pool's concern.
package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/myelnet/s2s/internal/s2serr"
	"github.com/rs/zerolog/log"
)

// HTTPDoer is the narrow capability the Adapter needs from an HTTP
// client: execute a request, get back a response. TLS, proxying, and
// connection reuse are configured on whatever concrete *http.Client the
// caller injects; the Adapter never reaches into those concerns.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter is a REST Adapter bound to a single peer's base URL.
type Adapter struct {
	base  *url.URL
	http  HTTPDoer
	creds *Credentials
	token tokenStore
}

// NewAdapter builds an Adapter for base, using doer for transport and
// creds (which may be nil) for bearer-token authentication.
func NewAdapter(base *url.URL, doer HTTPDoer, creds *Credentials) *Adapter {
	return &Adapter{base: base, http: doer, creds: creds}
}

// BaseURL returns the peer base URL this adapter is bound to.
func (a *Adapter) BaseURL() *url.URL { return a.base }

func (a *Adapter) resolve(ref string) string {
	u := *a.base
	if strings.Contains(ref, "://") {
		// Already an absolute URL (e.g. a transaction URL handed back by
		// the server), use it as-is.
		return ref
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref
	return u.String()
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

// do executes req, attaching a bearer token if credentials are
// configured, and retries exactly once on a 401 by forcing a fresh
// token.
func (a *Adapter) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := a.doOnce(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("op", op).Str("url", req.URL.String()).Msg("s2s rest call failed")
		return nil, s2serr.New(op, s2serr.KindTransport, err)
	}
	log.Debug().Str("op", op).Str("url", req.URL.String()).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("s2s rest call")

	if resp.StatusCode == http.StatusUnauthorized && a.creds != nil {
		drain(resp.Body)
		a.token.clear()
		if err := a.authenticate(ctx); err != nil {
			return nil, err
		}
		b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 500 * time.Millisecond, Jitter: true}
		time.Sleep(b.Duration())
		req2 := req.Clone(ctx)
		if req.GetBody != nil {
			if rc, err := req.GetBody(); err == nil {
				req2.Body = rc
			}
		}
		resp, err = a.doOnce(ctx, req2)
		if err != nil {
			log.Error().Err(err).Str("op", op).Msg("s2s rest call retry after auth failed")
			return nil, s2serr.New(op, s2serr.KindTransport, err)
		}
	}
	return resp, nil
}

func (a *Adapter) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	if a.creds != nil {
		if token, ok := a.token.get(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if err := a.authenticate(ctx); err != nil {
			return nil, err
		} else if token, ok := a.token.get(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return a.http.Do(req)
}

// GetPeers calls GET /site-to-site/peers and returns the raw peer
// descriptions the server advertises.
func (a *Adapter) GetPeers(ctx context.Context) ([]PeerDTO, error) {
	const op = "getPeers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.resolve("/site-to-site/peers"), nil)
	if err != nil {
		return nil, s2serr.New(op, s2serr.KindConfig, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, s2serr.HTTPStatus(op, resp.StatusCode)
	}

	var body peersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, s2serr.New(op, s2serr.KindProtocol, err)
	}
	return body.Peers, nil
}

// GetPortIdForName calls GET /site-to-site and locates the input port
// with the given name.
func (a *Adapter) GetPortIdForName(ctx context.Context, name string) (string, error) {
	const op = "getPortIdForName"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.resolve("/site-to-site"), nil)
	if err != nil {
		return "", s2serr.New(op, s2serr.KindConfig, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.do(ctx, op, req)
	if err != nil {
		return "", err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", s2serr.HTTPStatus(op, resp.StatusCode)
	}

	var body siteToSiteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", s2serr.New(op, s2serr.KindProtocol, err)
	}
	for _, p := range body.InputPorts {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return "", s2serr.New(op, s2serr.KindProtocol, errPortNotFound(name))
}

type errPortNotFound string

func (e errPortNotFound) Error() string { return "s2s: no input port named " + string(e) }

// CreateTransaction calls POST /data-transfer/input-ports/{portId}/transactions
// and returns the server-issued TransactionResource.
func (a *Adapter) CreateTransaction(ctx context.Context, portID string) (*TransactionResource, error) {
	const op = "createTransaction"
	path := "/data-transfer/input-ports/" + url.PathEscape(portID) + "/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.resolve(path), nil)
	if err != nil {
		return nil, s2serr.New(op, s2serr.KindConfig, err)
	}
	req.Header.Set("X-Location-Uri-Intent-Value", "transaction-url")

	resp, err := a.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, s2serr.New(op, s2serr.KindNoPeersAvailable, nil)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, s2serr.HTTPStatus(op, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, s2serr.New(op, s2serr.KindProtocol, errMissingHeader("Location"))
	}
	ttlHeader := resp.Header.Get("Server-Side-Transaction-Ttl")
	ttl, err := strconv.Atoi(ttlHeader)
	if err != nil {
		return nil, s2serr.New(op, s2serr.KindProtocol, err)
	}

	return &TransactionResource{
		TransactionURL: location,
		ContentURL:     location + "/flow-files",
		TTLSeconds:     ttl,
	}, nil
}

type errMissingHeader string

func (e errMissingHeader) Error() string { return "s2s: missing " + string(e) + " header" }

// SendFlowFiles posts the encoded packet stream to contentURL and returns
// the server's decimal CRC checksum.
func (a *Adapter) SendFlowFiles(ctx context.Context, contentURL string, body io.Reader) (string, error) {
	const op = "sendFlowFiles"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentURL, body)
	if err != nil {
		return "", s2serr.New(op, s2serr.KindConfig, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.do(ctx, op, req)
	if err != nil {
		return "", err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", s2serr.HTTPStatus(op, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", s2serr.New(op, s2serr.KindTransport, err)
	}
	checksum := strings.TrimSpace(string(raw))
	if checksum == "" {
		return "", s2serr.New(op, s2serr.KindProtocol, errEmptyChecksum)
	}
	return checksum, nil
}

var errEmptyChecksum = &tokenError{"empty checksum in sendFlowFiles response"}

// CommitTransaction issues DELETE {txURL}?responseCode=N&checksum=... and
// parses the server result on success.
func (a *Adapter) CommitTransaction(ctx context.Context, txURL string, clientChecksum string, action ResponseCode) (*CommitResult, error) {
	const op = "commitTransaction"
	u, err := url.Parse(txURL)
	if err != nil {
		return nil, s2serr.New(op, s2serr.KindConfig, err)
	}
	q := u.Query()
	q.Set("responseCode", strconv.Itoa(int(action)))
	q.Set("checksum", clientChecksum)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return nil, s2serr.New(op, s2serr.KindConfig, err)
	}

	resp, err := a.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusBadRequest && action == ConfirmTransaction {
		return nil, s2serr.New(op, s2serr.KindChecksumMismatch, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s2serr.HTTPStatus(op, resp.StatusCode)
	}

	var dto commitResultDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, s2serr.New(op, s2serr.KindProtocol, err)
	}

	return &CommitResult{
		PacketsTransferred: uint64(dto.FlowFileSent),
		DurationSeconds:    time.Duration(dto.Duration * int64(time.Millisecond)).Seconds(),
		Message:            dto.Message,
		ShouldBackoff:      strings.EqualFold(resp.Header.Get("Should-Backoff"), "true"),
	}, nil
}

// ExtendTTL issues PUT {txURL} to refresh the server's inactivity timer.
func (a *Adapter) ExtendTTL(ctx context.Context, txURL string) error {
	const op = "extendTtl"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, txURL, nil)
	if err != nil {
		return s2serr.New(op, s2serr.KindConfig, err)
	}
	resp, err := a.do(ctx, op, req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return s2serr.HTTPStatus(op, resp.StatusCode)
	}
	return nil
}
