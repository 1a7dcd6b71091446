package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/redirect"
)

const sdpContentType = "application/sdp"

// maxResponseBody bounds how much of a signaling response is read; an
// SDP answer is a few KB.
const maxResponseBody = 1 << 20

// ResponseHook lets the caller pull protocol-specific data off a
// successful handshake response before the body is consumed as the
// remote description.
type ResponseHook func(*http.Response)

// handshakeResult is the outcome of one offer/answer exchange.
type handshakeResult struct {
	// answer is the remote session description text.
	answer string
	// resource is the per-session URL for DELETE teardown and PATCH
	// updates, resolved relative to the endpoint. Empty when the server
	// sent no Location.
	resource string
}

// signaler performs the HTTP half of the handshake: POST the offer
// through the redirect cache, classify failures, record redirects, and
// best-effort DELETE/PATCH against the session resource.
type signaler struct {
	client    *http.Client
	redirects *redirect.Cache
	log       zerolog.Logger
}

func newSignaler(redirects *redirect.Cache, log zerolog.Logger) *signaler {
	return &signaler{
		client:    &http.Client{},
		redirects: redirects,
		log:       log,
	}
}

// postOffer sends the local description to endpoint and returns the
// remote description. ctx bounds the whole round trip; cancelling it
// aborts the in-flight request.
func (s *signaler) postOffer(ctx context.Context, endpoint, offer string, hook ResponseHook) (*handshakeResult, error) {
	target, cached := s.redirects.Resolve(endpoint)
	if cached {
		s.log.Debug().Str("endpoint", endpoint).Str("target", target).Msg("redirect cache hit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(offer))
	if err != nil {
		return nil, networkErr("build signaling request", err)
	}
	req.Header.Set("Content-Type", sdpContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, networkErr("signaling request aborted", err)
		}
		return nil, networkErr("signaling request failed", err)
	}
	defer resp.Body.Close()

	// resp.Request reflects the final hop after any redirects.
	final := resp.Request.URL.String()
	if final != target {
		s.redirects.Observe(endpoint, final)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, networkErr("read signaling response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejectionErr(resp.StatusCode, string(body))
	}
	if hook != nil {
		hook(resp)
	}

	res := &handshakeResult{answer: string(body)}
	if loc := resp.Header.Get("Location"); loc != "" {
		res.resource = resolveResource(resp.Request.URL, loc)
	}
	return res, nil
}

// deleteResource tears down the remote session. Best effort: all
// failures are logged and swallowed.
func (s *signaler) deleteResource(ctx context.Context, resource string) {
	if resource == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Str("resource", resource).Msg("teardown request failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// patchResource ships an ICE restart fragment to the session resource.
// Best effort: servers that do not support PATCH simply ignore it.
func (s *signaler) patchResource(ctx context.Context, resource, fragment string) {
	if resource == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, resource, strings.NewReader(fragment))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/trickle-ice-sdpfrag")
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Str("resource", resource).Msg("ice restart patch failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// resolveResource resolves a Location header value against the URL the
// handshake actually landed on.
func resolveResource(base *url.URL, loc string) string {
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return base.ResolveReference(ref).String()
}
