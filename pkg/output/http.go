package output

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/health"
	"github.com/hpc2n/softwareaccounting/pkg/security"
)

// HTTP posts the accumulated per-job record as JSON to a configured URI,
// optionally authenticating with a client certificate or basic auth,
// grounded on original_source/sams/output/Http.py.
type HTTP struct {
	mu       sync.Mutex
	uri      string
	hashSize int64
	exclude  map[string]bool
	username string
	password string
	jobID    int64
	node     string
	data     map[string]interface{}
	client   *http.Client
}

// NewHTTP builds an HTTP output from the sams.output.Http config block.
// certFile/keyFile, if both set, are loaded for client-certificate
// authentication the way the original passed requests.post(cert=...).
func NewHTTP(cfg *config.Config, jobID int64, node string) (*HTTP, error) {
	exclude := make(map[string]bool)
	for _, e := range cfg.GetStringSlice("sams.output.Http.exclude") {
		exclude[e] = true
	}

	tlsConfig := &tls.Config{}
	certFile := cfg.GetString("sams.output.Http.cert_file", "")
	keyFile := cfg.GetString("sams.output.Http.key_file", "")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("output/http: load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	password := cfg.GetString("sams.output.Http.password", "")
	if encrypted := cfg.GetString("sams.output.Http.password_encrypted", ""); encrypted != "" {
		secretKey := cfg.GetString("sams.output.Http.secret_key", "")
		plain, err := security.DecryptPasswordField(secretKey, encrypted)
		if err != nil {
			return nil, fmt.Errorf("output/http: decrypt password: %w", err)
		}
		password = plain
	}

	return &HTTP{
		uri:      cfg.GetString("sams.output.Http.uri", ""),
		hashSize: int64(cfg.GetInt("sams.output.Http.jobid_hash_size", 1000)),
		exclude:  exclude,
		username: cfg.GetString("sams.output.Http.username", ""),
		password: password,
		jobID:    jobID,
		node:     node,
		data:     make(map[string]interface{}),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

func (h *HTTP) ID() string { return "http" }

func (h *HTTP) Store(samplerID string, data interface{}, final bool) {
	if h.exclude[samplerID] {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[samplerID] = data
}

func (h *HTTP) Write(ctx context.Context) error {
	h.mu.Lock()
	snapshot := make(map[string]interface{}, len(h.data))
	for k, v := range h.data {
		snapshot[k] = v
	}
	h.mu.Unlock()

	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("output/http: marshal: %w", err)
	}

	uri := h.resolveURI()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("output/http: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.username != "" && h.password != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("output/http: post %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("output/http: post %s: unexpected status %d", uri, resp.StatusCode)
	}
	return nil
}

// Preflight checks that the receiver at the configured URI is reachable,
// without posting a real record. Collectors call this once at startup so a
// misconfigured receiver shows up in the log before a job's worth of
// samples are lost trying to deliver to it.
func (h *HTTP) Preflight(ctx context.Context) health.Result {
	checker := health.NewHTTPChecker(h.resolveURI()).WithMethod(http.MethodHead).WithStatusRange(200, 499)
	checker.Client.Transport = h.client.Transport
	return checker.Check(ctx)
}

func (h *HTTP) resolveURI() string {
	hash := int64(0)
	if h.hashSize > 0 {
		hash = acct.Partition(h.jobID, h.hashSize)
	}
	out := strings.ReplaceAll(h.uri, "%(jobid)s", strconv.FormatInt(h.jobID, 10))
	out = strings.ReplaceAll(out, "%(node)s", h.node)
	out = strings.ReplaceAll(out, "%(jobid_hash)d", strconv.FormatInt(hash, 10))
	return out
}
