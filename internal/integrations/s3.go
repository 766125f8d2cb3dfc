package integrations

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// S3Provider talks to S3-compatible object storage with AWS Signature V4.
// Credentials: accessKeyId, secretAccessKey, region, bucket, endpoint
// (optional, for S3-compatible stores).
type S3Provider struct {
	client *http.Client
	now    func() time.Time
}

// NewS3Provider creates the provider.
func NewS3Provider() *S3Provider {
	return &S3Provider{
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Type implements Provider.
func (p *S3Provider) Type() string { return "s3" }

// Actions implements Provider.
func (p *S3Provider) Actions() []string {
	return []string{"s3.list_buckets", "s3.list_objects", "s3.get_object", "s3.put_object", "s3.delete_object"}
}

// s3Actions maps wire action names to their canonical form. The camelCase
// forms are accepted as aliases.
var s3Actions = map[string]string{
	"s3.list_buckets":  "listBuckets",
	"s3.list_objects":  "listObjects",
	"s3.get_object":    "getObject",
	"s3.put_object":    "putObject",
	"s3.delete_object": "deleteObject",
	"listBuckets":      "listBuckets",
	"listObjects":      "listObjects",
	"getObject":        "getObject",
	"putObject":        "putObject",
	"deleteObject":     "deleteObject",
}

// Test lists the bucket root to verify reachability and credentials.
func (p *S3Provider) Test(ctx context.Context, creds map[string]string) error {
	_, err := p.Execute(ctx, creds, "listObjects", map[string]any{"maxKeys": float64(1)})
	return err
}

// Execute implements Provider.
func (p *S3Provider) Execute(ctx context.Context, creds map[string]string, action string, params map[string]any) (any, error) {
	key, _ := params["key"].(string)
	switch s3Actions[action] {
	case "listBuckets":
		body, err := p.send(ctx, creds, http.MethodGet, serviceEndpoint(creds), "", nil, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"raw": string(body)}, nil
	case "listObjects":
		query := url.Values{"list-type": {"2"}}
		if prefix, ok := params["prefix"].(string); ok && prefix != "" {
			query.Set("prefix", prefix)
		}
		if maxKeys, ok := params["maxKeys"].(float64); ok && maxKeys > 0 {
			query.Set("max-keys", fmt.Sprintf("%d", int(maxKeys)))
		}
		body, err := p.do(ctx, creds, http.MethodGet, "", query, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"raw": string(body)}, nil
	case "getObject":
		if key == "" {
			return nil, fmt.Errorf("getObject requires key")
		}
		body, err := p.do(ctx, creds, http.MethodGet, key, nil, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "content": string(body)}, nil
	case "putObject":
		if key == "" {
			return nil, fmt.Errorf("putObject requires key")
		}
		content, _ := params["content"].(string)
		if _, err := p.do(ctx, creds, http.MethodPut, key, nil, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "size": len(content)}, nil
	case "deleteObject":
		if key == "" {
			return nil, fmt.Errorf("deleteObject requires key")
		}
		if _, err := p.do(ctx, creds, http.MethodDelete, key, nil, nil); err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "deleted": true}, nil
	default:
		return nil, fmt.Errorf("unknown s3 action: %s", action)
	}
}

// do signs and performs one request against the bucket.
func (p *S3Provider) do(ctx context.Context, creds map[string]string, method, key string, query url.Values, body []byte) ([]byte, error) {
	endpoint := creds["endpoint"]
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", creds["bucket"], s3Region(creds))
	}
	return p.send(ctx, creds, method, endpoint, key, query, body)
}

// serviceEndpoint is the bucket-less endpoint used by listBuckets.
func serviceEndpoint(creds map[string]string) string {
	if endpoint := creds["endpoint"]; endpoint != "" {
		return endpoint
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com", s3Region(creds))
}

func s3Region(creds map[string]string) string {
	if region := creds["region"]; region != "" {
		return region
	}
	return "us-east-1"
}

// send signs and performs one request against endpoint.
func (p *S3Provider) send(ctx context.Context, creds map[string]string, method, endpoint, key string, query url.Values, body []byte) ([]byte, error) {
	region := s3Region(creds)

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = "/" + strings.TrimPrefix(key, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	SignV4(req, body, creds["accessKeyId"], creds["secretAccessKey"], region, "s3", p.now().UTC())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Network error: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return out, nil
}

// SignV4 applies AWS Signature Version 4 to req in place: it sets
// x-amz-date, x-amz-content-sha256, host, and the Authorization header.
func SignV4(req *http.Request, body []byte, accessKey, secretKey, region, service string, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	payloadHash := hexSHA256(body)

	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("host", req.URL.Host)
	req.Host = req.URL.Host

	// Canonical request.
	signedHeaderNames := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	sort.Strings(signedHeaderNames)
	var canonicalHeaders strings.Builder
	for _, h := range signedHeaderNames {
		canonicalHeaders.WriteString(h)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(strings.TrimSpace(req.Header.Get(h)))
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(signedHeaderNames, ";")

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQuery := canonicalQueryString(req.URL.Query())

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	// String to sign.
	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	// Signing key and signature.
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, signedHeaders, signature))
}

// canonicalQueryString sorts parameters by name and encodes per SigV4.
func canonicalQueryString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, sigv4Escape(k)+"="+sigv4Escape(v))
		}
	}
	return strings.Join(parts, "&")
}

// sigv4Escape percent-encodes everything except unreserved characters.
func sigv4Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
