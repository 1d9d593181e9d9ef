// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPConfig configures the JSON-over-HTTP service clients.
type HTTPConfig struct {
	// BaseURL is the service root, without a trailing slash.
	BaseURL string

	// Timeout bounds each request. Zero means defaultRequestTimeout.
	Timeout time.Duration

	// Client overrides the underlying *http.Client. Nil builds one from
	// Timeout.
	Client *http.Client

	Logger *slog.Logger
}

func (c HTTPConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c HTTPConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// postJSON posts a JSON body and decodes a JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &ServiceError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ServiceError{URL: url, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{URL: url, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ServiceError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &ServiceError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ServiceError{URL: url, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{URL: url, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ServiceError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// =============================================================================
// Document store
// =============================================================================

// HTTPDocumentStore talks to the document metadata service.
type HTTPDocumentStore struct {
	base   string
	client *http.Client
}

func NewHTTPDocumentStore(cfg HTTPConfig) *HTTPDocumentStore {
	return &HTTPDocumentStore{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.client(),
	}
}

func (s *HTTPDocumentStore) Get(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	if err := getJSON(ctx, s.client, s.base+"/v1/documents/"+documentID, &doc); err != nil {
		return nil, fmt.Errorf("document %s: %w", documentID, err)
	}
	return &doc, nil
}

func (s *HTTPDocumentStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	var created Document
	if err := postJSON(ctx, s.client, s.base+"/v1/documents", doc, &created); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return &created, nil
}

// =============================================================================
// Extraction
// =============================================================================

// HTTPExtractionService talks to the extraction service.
type HTTPExtractionService struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPExtractionService(cfg HTTPConfig) *HTTPExtractionService {
	return &HTTPExtractionService{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.client(),
		logger: cfg.logger(),
	}
}

func (s *HTTPExtractionService) Extract(ctx context.Context, doc Document, schema string) (*ExtractionResult, error) {
	req := struct {
		Document Document `json:"document"`
		Schema   string   `json:"schema"`
	}{Document: doc, Schema: schema}

	var result ExtractionResult
	if err := postJSON(ctx, s.client, s.base+"/v1/extract", req, &result); err != nil {
		return nil, fmt.Errorf("extract %s with schema %s: %w", doc.ID, schema, err)
	}
	s.logger.Debug("extraction complete",
		"document_id", doc.ID,
		"schema", schema,
		"header_fields", len(result.Header),
		"tables", len(result.Tables))
	return &result, nil
}

// =============================================================================
// Classification
// =============================================================================

// HTTPClassificationService talks to the classification service.
type HTTPClassificationService struct {
	base   string
	client *http.Client
}

func NewHTTPClassificationService(cfg HTTPConfig) *HTTPClassificationService {
	return &HTTPClassificationService{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.client(),
	}
}

func (s *HTTPClassificationService) Classify(ctx context.Context, doc Document, labels []string) (string, error) {
	req := struct {
		Document Document `json:"document"`
		Labels   []string `json:"labels"`
	}{Document: doc, Labels: labels}

	var resp struct {
		Label string `json:"label"`
	}
	if err := postJSON(ctx, s.client, s.base+"/v1/classify", req, &resp); err != nil {
		return "", fmt.Errorf("classify %s: %w", doc.ID, err)
	}
	return resp.Label, nil
}

// =============================================================================
// Splitting
// =============================================================================

// HTTPSplittingService talks to the document splitting service.
type HTTPSplittingService struct {
	base   string
	client *http.Client
}

func NewHTTPSplittingService(cfg HTTPConfig) *HTTPSplittingService {
	return &HTTPSplittingService{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.client(),
	}
}

func (s *HTTPSplittingService) Split(ctx context.Context, doc Document, instructions string) ([]SplitPart, error) {
	req := struct {
		Document     Document `json:"document"`
		Instructions string   `json:"instructions"`
	}{Document: doc, Instructions: instructions}

	var resp struct {
		Parts []SplitPart `json:"parts"`
	}
	if err := postJSON(ctx, s.client, s.base+"/v1/split", req, &resp); err != nil {
		return nil, fmt.Errorf("split %s: %w", doc.ID, err)
	}
	return resp.Parts, nil
}

// =============================================================================
// Generic rate-limited caller
// =============================================================================

// RateLimitedCaller performs outbound calls for http nodes behind a
// token-bucket limiter so user-authored workflows cannot flood a
// downstream system.
//
// Thread Safety: safe for concurrent use.
type RateLimitedCaller struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimitedCaller builds a caller allowing rps requests per second
// with the given burst. rps <= 0 disables limiting.
func NewRateLimitedCaller(cfg HTTPConfig, rps float64, burst int) *RateLimitedCaller {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimitedCaller{
		client:  cfg.client(),
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.logger(),
	}
}

func (c *RateLimitedCaller) Request(ctx context.Context, method, url string, headers map[string]string, body any) (*HTTPResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body for %s: %w", url, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ServiceError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{URL: url, Status: resp.StatusCode, Err: err}
	}

	// Best-effort JSON decode; non-JSON bodies pass through as strings.
	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = string(raw)
		}
	}
	c.logger.Debug("outbound http call", "method", method, "url", url, "status", resp.StatusCode)
	return &HTTPResponse{Status: resp.StatusCode, Body: decoded}, nil
}
