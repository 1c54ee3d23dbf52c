package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidProof = errors.New("invalid identity proof")

// Proof is a zero-knowledge personhood proof. NullifierHash is stable per
// person and action, and doubles as the opaque account id.
type Proof struct {
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level"`
}

func (p Proof) Validate() error {
	if strings.TrimSpace(p.NullifierHash) == "" || strings.TrimSpace(p.Proof) == "" {
		return ErrInvalidProof
	}
	return nil
}

// Verifier is a yes/no oracle. An error means the oracle could not answer.
type Verifier interface {
	Verify(ctx context.Context, p Proof) (bool, error)
}

// HTTPVerifier posts the proof to a hosted verification API and reads its
// success flag.
type HTTPVerifier struct {
	URL    string
	Action string
	Client *http.Client
}

func NewHTTPVerifier(url, action string) *HTTPVerifier {
	return &HTTPVerifier{
		URL:    url,
		Action: action,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyRequest struct {
	Proof
	Action string `json:"action"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, p Proof) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	body, err := json.Marshal(verifyRequest{Proof: p, Action: v.Action})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("identity verifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("identity verifier responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	// 4xx is a definitive no
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode verifier response: %w", err)
	}
	return out.Success, nil
}

// StaticVerifier answers every well-formed proof the same way. For local
// runs without a verification provider.
type StaticVerifier struct {
	Accept bool
}

func (s StaticVerifier) Verify(_ context.Context, p Proof) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	return s.Accept, nil
}

// FromConfig returns an HTTPVerifier for url, or an accept-all
// StaticVerifier with a warning when no url is configured.
func FromConfig(url, action string, logger *zap.Logger) Verifier {
	if url == "" {
		logger.Warn("IDENTITY_VERIFIER_URL not set, every identity proof is accepted")
		return StaticVerifier{Accept: true}
	}
	return NewHTTPVerifier(url, action)
}
