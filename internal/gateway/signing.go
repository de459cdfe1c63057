package gateway

import (
	"context"
	"errors"
	"net/http"
)

// Signer is a party asked to sign a contract.
type Signer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SignatureRequest is the document handed to the e-signature provider.
type SignatureRequest struct {
	ExternalID  string   `json:"external_id"`
	Title       string   `json:"title"`
	ContentType string   `json:"content_type"`
	Content     []byte   `json:"content"`
	Signers     []Signer `json:"signers"`
}

type signatureResponse struct {
	ID string `json:"id"`
}

// SigningClient talks to the e-signature provider.
type SigningClient struct {
	client *Client
}

// NewSigningClient wraps a configured client.
func NewSigningClient(c *Client) *SigningClient {
	return &SigningClient{client: c}
}

// Send uploads a document for signature and returns the provider's document
// reference. A definitive refusal is returned as *RejectedError; anything
// transient that outlived the retry policy is PROVIDER_UNAVAILABLE.
func (s *SigningClient) Send(ctx context.Context, req SignatureRequest) (string, error) {
	var resp signatureResponse
	if err := s.client.Do(ctx, http.MethodPost, "/documents", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &RejectedError{
			Service:    s.client.Name(),
			StatusCode: http.StatusOK,
			Reason:     "provider returned no document id",
		}
	}
	return resp.ID, nil
}

// IsRejected reports whether err is a definitive refusal and returns its
// reason.
func IsRejected(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
