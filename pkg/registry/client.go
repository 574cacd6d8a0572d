// Package registry implements the OCI distribution v2 client: manifest
// and blob GET/PUT over HTTPS with Bearer-token auth, retry with
// backoff, and bounded-concurrency layer pulls (spec.md §4.3).
package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/credstore"
	"github.com/a3s-lab/box/pkg/ociimage"
)

// MaxLayerConcurrency bounds parallel blob downloads within one pull
// (spec.md §4.3, §5).
const MaxLayerConcurrency = 4

// Config configures a Client.
type Config struct {
	Insecure   bool
	Timeout    time.Duration
	UserAgent  string
	RetryPolicy RetryPolicy
}

// Client is an OCI distribution v2 client.
type Client struct {
	cfg   Config
	http  *http.Client
	creds *credstore.Store
	token *tokenCache
}

// New creates a registry Client backed by creds for auth discovery.
func New(cfg Config, creds *credstore.Store) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "a3s-box/1.0"
	}
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.Insecure},
		MaxIdleConnsPerHost: MaxLayerConcurrency * 2,
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		creds: creds,
		token: newTokenCache(),
	}
}

func (c *Client) scheme() string {
	if c.cfg.Insecure {
		return "http"
	}
	return "https"
}

func (c *Client) baseURL(host string) string {
	return c.scheme() + "://" + host
}

// doAuthed issues req, attempting a Bearer token challenge/exchange on
// a 401, then retrying once with the token attached. A second 401
// after that surfaces as Unauthorized (spec.md §4.3).
func (c *Client) doAuthed(ctx context.Context, host string, newReq func() (*http.Request, error)) (*http.Response, error) {
	req, err := newReq()
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if auth, ok, _ := c.creds.Get(host); ok && auth.Secret != "" && auth.Username == "" {
		req.Header.Set("Authorization", "Bearer "+auth.Secret)
	} else if ok {
		req.SetBasicAuth(auth.Username, auth.Secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	wwwAuth := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	chal, ok := parseBearerChallenge(wwwAuth)
	if !ok {
		return nil, a3serr.New(a3serr.KindUnauthorized, "registry rejected request and offered no bearer challenge")
	}
	token, err := c.token.get(ctx, c.http, c.creds, host, chal)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindUnauthorized, err, "token exchange failed")
	}

	req2, err := newReq()
	if err != nil {
		return nil, err
	}
	req2.Header.Set("User-Agent", c.cfg.UserAgent)
	req2.Header.Set("Authorization", "Bearer "+token)
	resp2, err := c.http.Do(req2)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		resp2.Body.Close()
		return nil, a3serr.New(a3serr.KindUnauthorized, "registry rejected request after token refresh")
	}
	return resp2, nil
}

// GetManifest retrieves and decodes the manifest for ref (host, repo, tagOrDigest).
func (c *Client) GetManifest(ctx context.Context, host, repo, tagOrDigest string) (*ociimage.Manifest, []byte, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(host), repo, tagOrDigest)

	var raw []byte
	code, err := c.cfg.RetryPolicy.Do(ctx, func() (int, error) {
		resp, err := c.doAuthed(ctx, host, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", ociimage.MediaTypeOCIManifest+", "+ociimage.MediaTypeDockerManifest)
			return req, nil
		})
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("get manifest: status %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(resp.Body)
		return resp.StatusCode, err
	})
	if err != nil {
		return nil, nil, classifyError(code, err, "failed to get manifest")
	}

	var m ociimage.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode manifest")
	}
	return &m, raw, nil
}

// PutManifest uploads a manifest and returns its content digest.
func (c *Client) PutManifest(ctx context.Context, host, repo, tag string, manifest []byte, mediaType string) (digest.Digest, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(host), repo, tag)

	code, err := c.cfg.RetryPolicy.Do(ctx, func() (int, error) {
		resp, err := c.doAuthed(ctx, host, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(manifest))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", mediaType)
			return req, nil
		})
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return resp.StatusCode, fmt.Errorf("put manifest: status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", classifyError(code, err, "failed to put manifest")
	}
	return digest.FromBytes(manifest), nil
}

// GetBlob streams a blob by digest, verifying the digest as it is
// written (spec.md §4.3: digest verification is streaming).
func (c *Client) GetBlob(ctx context.Context, host, repo string, dig digest.Digest, w io.Writer) error {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(host), repo, dig.String())

	code, err := c.cfg.RetryPolicy.Do(ctx, func() (int, error) {
		resp, err := c.doAuthed(ctx, host, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		})
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("get blob: status %d", resp.StatusCode)
		}

		verifier := dig.Verifier()
		tee := io.TeeReader(resp.Body, verifier)
		if _, err := io.Copy(w, tee); err != nil {
			return resp.StatusCode, err
		}
		if !verifier.Verified() {
			return resp.StatusCode, a3serr.New(a3serr.KindDigestMismatch, "blob digest mismatch for "+dig.String())
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return classifyError(code, err, "failed to get blob "+dig.String())
	}
	return nil
}

// PullResult describes what a Pull retrieved.
type PullResult struct {
	Manifest   *ociimage.Manifest
	ManifestRaw []byte
	Digest     digest.Digest
}

// BlobSink receives a downloaded blob; implementations typically write
// into the layer cache or image store's content-addressed path.
type BlobSink func(dig digest.Digest, r io.Reader) error

// Pull fetches the manifest for tagOrDigest and then downloads every
// referenced blob (config + layers) through sink, bounding layer
// concurrency at MaxLayerConcurrency (spec.md §4.3, §5).
func (c *Client) Pull(ctx context.Context, host, repo, tagOrDigest string, sink BlobSink) (*PullResult, error) {
	manifest, raw, err := c.GetManifest(ctx, host, repo, tagOrDigest)
	if err != nil {
		return nil, err
	}
	manifestDigest := digest.FromBytes(raw)

	// Config blob download happens-before layer downloads (spec.md §5).
	if err := c.pullOneBlob(ctx, host, repo, manifest.Config.Digest, sink); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxLayerConcurrency)
	for _, layer := range manifest.Layers {
		layer := layer
		g.Go(func() error {
			return c.pullOneBlob(gctx, host, repo, layer.Digest, sink)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &PullResult{Manifest: manifest, ManifestRaw: raw, Digest: manifestDigest}, nil
}

func (c *Client) pullOneBlob(ctx context.Context, host, repo string, dig digest.Digest, sink BlobSink) error {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- c.GetBlob(ctx, host, repo, dig, pw)
		pw.Close()
	}()
	if err := sink(dig, pr); err != nil {
		pr.CloseWithError(err)
		<-errc
		return err
	}
	return <-errc
}

// PushBlob uploads content (already known to hash to dig) via the
// monolithic POST+PUT upload flow, skipping upload if the blob already
// exists on the registry.
func (c *Client) PushBlob(ctx context.Context, host, repo string, dig digest.Digest, size int64, content io.Reader) error {
	headURL := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(host), repo, dig.String())
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, headURL, nil)
	if err == nil {
		if resp, err := c.doAuthed(ctx, host, func() (*http.Request, error) { return headReq, nil }); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}

	startURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL(host), repo)
	resp, err := c.doAuthed(ctx, host, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, startURL, nil)
	})
	if err != nil {
		return classifyError(0, err, "failed to start blob upload")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return classifyError(resp.StatusCode, fmt.Errorf("start upload: status %d", resp.StatusCode), "failed to start blob upload")
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return a3serr.New(a3serr.KindRegistryPermanent, "upload response missing Location header")
	}
	uploadURL, err := resolveLocation(c.baseURL(host), location)
	if err != nil {
		return a3serr.Wrap(a3serr.KindRegistryPermanent, err, "invalid upload Location")
	}

	q := uploadURL.Query()
	q.Set("digest", dig.String())
	uploadURL.RawQuery = q.Encode()

	putResp, err := c.doAuthed(ctx, host, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL.String(), content)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
		req.ContentLength = size
		return req, nil
	})
	if err != nil {
		return classifyError(0, err, "blob upload failed")
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		return classifyError(putResp.StatusCode, fmt.Errorf("upload: status %d", putResp.StatusCode), "blob upload failed")
	}
	return nil
}

func resolveLocation(base, location string) (*url.URL, error) {
	if u, err := url.Parse(location); err == nil && u.IsAbs() {
		return u, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	rel, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(rel), nil
}

func classifyError(statusCode int, err error, msg string) error {
	if err == nil {
		return nil
	}
	if a3serr.Of(err) != "" {
		return err
	}
	switch {
	case statusCode == http.StatusUnauthorized:
		return a3serr.Wrap(a3serr.KindUnauthorized, err, msg)
	case statusCode == 0:
		return a3serr.Wrap(a3serr.KindRegistryTransient, err, msg)
	case retryableStatus(statusCode):
		return a3serr.Wrap(a3serr.KindRegistryTransient, err, msg)
	case statusCode >= 400:
		return a3serr.Wrap(a3serr.KindRegistryPermanent, err, msg)
	default:
		return a3serr.Wrap(a3serr.KindRegistryTransient, err, msg)
	}
}
