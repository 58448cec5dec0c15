package spooler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MayanConfig configures the Mayan EDMS REST client.
type MayanConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token takes precedence over Username/Password.
	Token          string        `yaml:"token"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DocumentTypeID int64         `yaml:"document_type_id"`
	Language       string        `yaml:"language"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// MayanClient implements RemoteStore on the Mayan EDMS v4 API. Partitions
// are cabinets.
type MayanClient struct {
	baseURL    string
	cfg        MayanConfig
	httpClient *http.Client
	log        zerolog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	cabinetAttempts int
	cabinetDelay    time.Duration
}

func NewMayanClient(cfg MayanConfig, httpClient *http.Client, logger zerolog.Logger) (*MayanClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, &ValidationError{Field: "remote.base_url", Reason: "empty"}
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &ValidationError{Field: "remote.base_url", Reason: err.Error()}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "eng"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &MayanClient{
		baseURL:         base,
		cfg:             cfg,
		httpClient:      httpClient,
		log:             logger.With().Str("component", "mayan").Logger(),
		maxRetries:      cfg.MaxRetries,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        10 * time.Second,
		cabinetAttempts: 5,
		cabinetDelay:    time.Second,
	}, nil
}

type mayanDocument struct {
	ID          json.Number `json:"id"`
	Label       string      `json:"label"`
	Description string      `json:"description"`
}

type mayanDocumentList struct {
	Count   int             `json:"count"`
	Results []mayanDocument `json:"results"`
}

func (c *MayanClient) ListDocuments(ctx context.Context, partition *int64, page, pageSize int) (DocumentPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("ordering", "-datetime_created")
	if partition != nil {
		q.Set("cabinets__id", strconv.FormatInt(*partition, 10))
	}
	var out mayanDocumentList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/documents/?"+q.Encode(), nil, &out); err != nil {
		return DocumentPage{}, err
	}
	res := DocumentPage{Total: out.Count, Documents: make([]Document, 0, len(out.Results))}
	for _, d := range out.Results {
		res.Documents = append(res.Documents, Document{ID: d.ID.String(), Label: d.Label, Description: d.Description})
	}
	return res, nil
}

// CreateDocument uploads the file and, when a partition is set, files it into
// that cabinet. A failed cabinet attach is logged; the document id is still returned.
func (c *MayanClient) CreateDocument(ctx context.Context, req CreateRequest) (string, error) {
	if len(req.Content) == 0 {
		return "", &ValidationError{Field: "content", Reason: "empty"}
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"label", req.Name},
		{"description", req.Description},
		{"language", c.cfg.Language},
	}
	if c.cfg.DocumentTypeID > 0 {
		fields = append(fields, [2]string{"document_type_id", strconv.FormatInt(c.cfg.DocumentTypeID, 10)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Name))
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(req.Content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var created mayanDocument
	if err := c.do(ctx, http.MethodPost, "/api/v4/documents/upload/", w.FormDataContentType(), body.Bytes(), &created); err != nil {
		return "", err
	}
	docID := created.ID.String()
	if docID == "" {
		return "", errors.New("upload response carried no document id")
	}

	if req.Partition != nil {
		if err := c.addToCabinet(ctx, *req.Partition, docID); err != nil {
			c.log.Warn().Err(err).Str("document_id", docID).Int64("cabinet_id", *req.Partition).Msg("document created but not added to cabinet")
		}
	}
	return docID, nil
}

func (c *MayanClient) addToCabinet(ctx context.Context, cabinetID int64, docID string) error {
	id, err := strconv.ParseInt(docID, 10, 64)
	if err != nil {
		return fmt.Errorf("document id %q: %w", docID, err)
	}
	payload, err := json.Marshal(map[string]int64{"document": id})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v4/cabinets/%d/documents/add/", cabinetID)
	delay := c.cabinetDelay
	for attempt := 1; ; attempt++ {
		err = c.do(ctx, http.MethodPost, path, "application/json", payload, nil)
		if err == nil || attempt >= c.cabinetAttempts {
			return err
		}
		// The document may not be indexed yet right after upload.
		c.log.Debug().Err(err).Int("attempt", attempt).Str("document_id", docID).Msg("cabinet attach failed, retrying")
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay = delay * 3 / 2
	}
}

// Ping checks that the API is reachable with the configured credentials.
func (c *MayanClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/v4/documents/?page_size=1", nil, nil)
}

func (c *MayanClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.do(ctx, method, requestPath, contentType, payload, out)
}

// do sends one request. Only idempotent (GET) requests are retried; an upload
// that timed out may still have been stored and is never sent twice.
func (c *MayanClient) do(ctx context.Context, method, requestPath, contentType string, payload []byte, out any) error {
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		c.authorize(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s %s response: %w", method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			c.log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Str("path", requestPath).Msg("retrying request")
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
}

func (c *MayanClient) authorize(req *http.Request) {
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Token "+tok)
		return
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// errorMessage pulls the DRF "detail" field out of an error body, falling
// back to the raw text.
func errorMessage(data []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (c *MayanClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
