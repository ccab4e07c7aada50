// Package mirror copies snapshots and session archives to an S3-compatible
// bucket (R2, MinIO, S3) in the background.
//
//	LD_MIRROR_ENDPOINT           https://<account>.r2.cloudflarestorage.com
//	LD_MIRROR_BUCKET             bucket name
//	LD_MIRROR_ACCESS_KEY_ID
//	LD_MIRROR_SECRET_ACCESS_KEY
//	LD_MIRROR_REGION             signing region (default "auto")
//	LD_MIRROR_PREFIX             key prefix inside the bucket
package mirror

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	signService   = "s3"
	signedHeaders = "host;x-amz-content-sha256;x-amz-date"
)

type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// ConfigFromEnv reads LD_MIRROR_*. ok is false when no endpoint is set.
func ConfigFromEnv() (cfg Config, ok bool) {
	cfg = Config{
		Endpoint:        os.Getenv("LD_MIRROR_ENDPOINT"),
		Bucket:          os.Getenv("LD_MIRROR_BUCKET"),
		Region:          os.Getenv("LD_MIRROR_REGION"),
		AccessKeyID:     os.Getenv("LD_MIRROR_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("LD_MIRROR_SECRET_ACCESS_KEY"),
		Prefix:          os.Getenv("LD_MIRROR_PREFIX"),
	}
	return cfg, strings.TrimSpace(cfg.Endpoint) != ""
}

// Client puts objects into one bucket with path-style URLs and SigV4.
type Client struct {
	endpoint string
	bucket   string
	region   string
	keyID    string
	secret   string
	http     *http.Client
	now      func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	keyID := strings.TrimSpace(cfg.AccessKeyID)
	secret := strings.TrimSpace(cfg.SecretAccessKey)
	if endpoint == "" || bucket == "" || keyID == "" || secret == "" {
		return nil, fmt.Errorf("mirror: endpoint, bucket, access key id and secret are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("mirror: invalid endpoint %q", cfg.Endpoint)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "auto"
	}
	return &Client{
		endpoint: strings.TrimRight(u.String(), "/"),
		bucket:   bucket,
		region:   region,
		keyID:    keyID,
		secret:   secret,
		http:     &http.Client{Timeout: 2 * time.Minute},
		now:      time.Now,
	}, nil
}

// StatusError is a non-2xx reply from the store.
type StatusError struct {
	Code int
	Key  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mirror: put %s: status %d: %s", e.Key, e.Code, e.Body)
}

// Retryable reports whether the store may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// PutFile uploads the file at localPath under key.
func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("mirror: %s is a directory", localPath)
	}
	return c.Put(ctx, key, f, st.Size())
}

// Put uploads size bytes from body under key. body is read twice: once to
// hash the payload and once to send it.
func (c *Client) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("mirror: empty object key")
	}
	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return err
	}
	payloadHash := hex.EncodeToString(h.Sum(nil))
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}

	uri := "/" + c.bucket + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+uri, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	c.sign(req, uri, payloadHash, c.now().UTC())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return &StatusError{Code: resp.StatusCode, Key: key, Body: strings.TrimSpace(string(msg))}
}

// sign sets the SigV4 headers on a request with an empty query string.
func (c *Client) sign(req *http.Request, uri, payloadHash string, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")
	host := req.URL.Host
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)

	canonical := strings.Join([]string{
		req.Method,
		uri,
		"",
		"host:" + host + "\nx-amz-content-sha256:" + payloadHash + "\nx-amz-date:" + amzDate + "\n",
		signedHeaders,
		payloadHash,
	}, "\n")
	scope := day + "/" + c.region + "/" + signService + "/aws4_request"
	sum := sha256.Sum256([]byte(canonical))
	toSign := signAlgorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	k := hmacSum([]byte("AWS4"+c.secret), day)
	k = hmacSum(k, c.region)
	k = hmacSum(k, signService)
	k = hmacSum(k, "aws4_request")
	sig := hex.EncodeToString(hmacSum(k, toSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, c.keyID, scope, signedHeaders, sig))
}

func hmacSum(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(data))
	return m.Sum(nil)
}

// cleanKey normalizes key to a relative slash path, or "" when it escapes
// the bucket root.
func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
