package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrConverterUnavailable is returned when no converter service is configured
var ErrConverterUnavailable = errors.New("converter service not configured")

// ConverterClient calls the external service that turns office, keynote and CAD files into PDF
type ConverterClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewConverterClient creates a client, an empty url yields a client that always fails
func NewConverterClient(url string) *ConverterClient {
	return &ConverterClient{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ConvertResponse represents the response from the converter service
type ConvertResponse struct {
	PDF   string `json:"pdf"` // base64 encoded
	Error string `json:"error,omitempty"`
}

// ConvertToPDF sends the source to the converter and returns the PDF bytes. kind selects the
// converter route, one of the convert-* job kinds.
func (cc *ConverterClient) ConvertToPDF(ctx context.Context, kind, fileName string, data []byte) ([]byte, error) {
	if cc.URL == "" {
		return nil, ErrConverterUnavailable
	}

	// Create multipart form data
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.WriteField("kind", kind); err != nil {
		return nil, fmt.Errorf("failed to write kind: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/convert/%s", cc.URL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := cc.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call converter service: %w", err)
	}
	defer resp.Body.Close()
	Logger.Debug("Converter service responded", "kind", kind, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("converter service returned error status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var convertResp ConvertResponse
	if err := json.NewDecoder(resp.Body).Decode(&convertResp); err != nil {
		return nil, fmt.Errorf("failed to decode converter response: %w", err)
	}
	if convertResp.Error != "" {
		return nil, fmt.Errorf("converter service error: %s", convertResp.Error)
	}

	pdfData, err := base64.StdEncoding.DecodeString(convertResp.PDF)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 pdf: %w", err)
	}
	return pdfData, nil
}
