// Package archive pins JSON copies of ledger readings to a content-addressed
// archive over the Pinata pinning API. The archive copy is supplementary: the
// ledger stays the only source of ordering.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"airledger/internal/modules/airquality/types"
)

const (
	DefaultURL     = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 1

	pinName         = "Air Quality Reading"
	maxResponseBody = 1 << 20
)

var ErrArchiveWriteFailure = errors.New("archive write failed")

type Config struct {
	URL   string
	Token string
	// Timeout bounds each POST attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first failure.
	Retries    int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Document is the JSON form of a reading stored in the archive.
type Document struct {
	Index     uint64 `json:"index"`
	Timestamp string `json:"timestamp"`
	CO2       uint64 `json:"co2"`
	NO2       uint64 `json:"no2"`
	PM25      uint64 `json:"pm25"`
	PM10      uint64 `json:"pm10"`
}

func NewDocument(r types.Reading) Document {
	return Document{
		Index:     r.Index,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
		CO2:       r.CO2,
		NO2:       r.NO2,
		PM25:      r.PM25,
		PM10:      r.PM10,
	}
}

type pinRequest struct {
	PinataContent  Document    `json:"pinataContent"`
	PinataMetadata pinMetadata `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type PinataMirror struct {
	url     string
	token   string
	timeout time.Duration
	retries int
	client  *http.Client
	logger  *slog.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

func NewPinataMirror(cfg Config) *PinataMirror {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PinataMirror{
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Budget is the longest a single Mirror call can take.
func (m *PinataMirror) Budget() time.Duration {
	return time.Duration(m.retries+1)*m.timeout + time.Duration(m.retries)*2*time.Second
}

// Mirror pins r and returns the archive's content hash. Errors wrap
// ErrArchiveWriteFailure.
func (m *PinataMirror) Mirror(ctx context.Context, r types.Reading) (string, error) {
	payload, err := json.Marshal(pinRequest{
		PinataContent: NewDocument(r),
		PinataMetadata: pinMetadata{
			Name: pinName,
			KeyValues: map[string]string{
				"index":     strconv.FormatUint(r.Index, 10),
				"timestamp": r.Timestamp.UTC().Format(time.RFC3339),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal reading %d: %v", ErrArchiveWriteFailure, r.Index, err)
	}

	var hash string
	attempt := 0
	op := func() error {
		attempt++
		h, err := m.post(ctx, payload)
		if err != nil {
			return err
		}
		hash = h
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("archive pin attempt failed, retrying",
			"index", r.Index,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), uint64(m.retries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("%w: reading %d after %d attempt(s): %v", ErrArchiveWriteFailure, r.Index, attempt, err)
	}
	return hash, nil
}

func (m *PinataMirror) post(ctx context.Context, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			m.logger.Debug("close archive response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("archive returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var out pinResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", errors.New("archive response has no content hash")
	}
	return out.IpfsHash, nil
}
