// Package pdf converts rendered HTML documents to PDF through Gotenberg.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// PageOptions controls the Chromium print settings. Zero values keep the
// Gotenberg defaults.
type PageOptions struct {
	PaperWidthIn  float64
	PaperHeightIn float64
	MarginIn      float64
	Landscape     bool
}

// Client wraps interactions with the Gotenberg API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	page       PageOptions
}

// NewClient constructs a new client.
func NewClient(baseURL string, page PageOptions) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		page: page,
	}
}

// Ping checks if the remote Gotenberg service is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gotenberg returned status %d", resp.StatusCode)
	}
	return nil
}

// RenderHTML converts an HTML document into a PDF.
func (c *Client) RenderHTML(ctx context.Context, html []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, bytes.NewReader(html)); err != nil {
		return nil, err
	}
	if err := c.writePageFields(writer); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/forms/chromium/convert/html", c.baseURL), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("render failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) writePageFields(w *multipart.Writer) error {
	fields := map[string]float64{
		"paperWidth":   c.page.PaperWidthIn,
		"paperHeight":  c.page.PaperHeightIn,
		"marginTop":    c.page.MarginIn,
		"marginBottom": c.page.MarginIn,
		"marginLeft":   c.page.MarginIn,
		"marginRight":  c.page.MarginIn,
	}
	for name, v := range fields {
		if v <= 0 {
			continue
		}
		if err := w.WriteField(name, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			return err
		}
	}
	if c.page.Landscape {
		if err := w.WriteField("landscape", "true"); err != nil {
			return err
		}
	}
	return w.WriteField("printBackground", "true")
}
