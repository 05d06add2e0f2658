// Package fcm sends data messages to the peer through the push provider's
// HTTP v1 send API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/1ureka/pushtun/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Defaults.
const (
	DefaultEndpoint = "https://fcm.googleapis.com"
	DefaultTimeout  = 30 * time.Second
	MessagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
)

// ErrPeerTokenInvalid means the provider no longer accepts the peer's push
// token. Retrying will not help until the peer re-registers.
var ErrPeerTokenInvalid = errors.New("fcm: peer token invalid")

// Options configures a Sender.
type Options struct {
	Project     string
	PeerToken   string
	TokenSource oauth2.TokenSource
	Endpoint    string
	Timeout     time.Duration
}

// Sender implements transport.Sender over the HTTP v1 API.
type Sender struct {
	url       string
	peerToken string
	client    *http.Client
}

// NewSender creates a sender authenticated by opts.TokenSource.
func NewSender(opts Options) (*Sender, error) {
	if opts.Project == "" {
		return nil, errors.New("fcm: project is required")
	}
	if opts.PeerToken == "" {
		return nil, errors.New("fcm: peer token is required")
	}
	if opts.TokenSource == nil {
		return nil, errors.New("fcm: token source is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	client := oauth2.NewClient(context.Background(), opts.TokenSource)
	client.Timeout = opts.Timeout

	return &Sender{
		url:       fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(opts.Endpoint, "/"), opts.Project),
		peerToken: opts.PeerToken,
		client:    client,
	}, nil
}

// TokenSourceFromFile loads a service account key and returns a token
// source for the messaging scope.
func TokenSourceFromFile(ctx context.Context, path string) (oauth2.TokenSource, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(keyJSON, MessagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return cfg.TokenSource(ctx), nil
}

type sendRequest struct {
	Message struct {
		Token string            `json:"token"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

// SendData posts one data message to the peer.
func (s *Sender) SendData(ctx context.Context, data map[string]string) error {
	var payload sendRequest
	payload.Message.Token = s.peerToken
	payload.Message.Data = data

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode == http.StatusOK {
		util.LogDebug("[fcm] sent %d bytes", len(body))
		return nil
	}
	return parseError(resp.StatusCode, respBody)
}

// APIError is a non-200 answer from the send API.
type APIError struct {
	StatusCode int
	Status     string // e.g. NOT_FOUND
	ErrorCode  string // e.g. UNREGISTERED
	Message    string
}

func (e *APIError) Error() string {
	code := e.ErrorCode
	if code == "" {
		code = e.Status
	}
	return fmt.Sprintf("fcm: %d %s: %s", e.StatusCode, code, e.Message)
}

// Unwrap maps token errors to ErrPeerTokenInvalid.
func (e *APIError) Unwrap() error {
	switch {
	case e.ErrorCode == "UNREGISTERED", e.ErrorCode == "INVALID_ARGUMENT", e.Status == "INVALID_ARGUMENT":
		return ErrPeerTokenInvalid
	}
	return nil
}

func parseError(statusCode int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				ErrorCode string `json:"errorCode"`
			} `json:"details"`
		} `json:"error"`
	}

	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		switch {
		case strings.Contains(apiErr.Message, "UNREGISTERED"):
			apiErr.ErrorCode = "UNREGISTERED"
		case strings.Contains(apiErr.Message, "INVALID_ARGUMENT"):
			apiErr.ErrorCode = "INVALID_ARGUMENT"
		}
		return apiErr
	}

	apiErr.Message = parsed.Error.Message
	apiErr.Status = parsed.Error.Status
	for _, d := range parsed.Error.Details {
		if d.ErrorCode != "" {
			apiErr.ErrorCode = d.ErrorCode
			break
		}
	}
	return apiErr
}
