// Package embedding talks to an HTTP face-embedding server.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

const (
	DefaultURL     = "http://localhost:8000"
	DefaultTimeout = 5 * time.Second
)

// Client computes face embeddings using the embedding server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new embedding client. A zero timeout means DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int          `json:"face_index"`
	Dim       int          `json:"dim"`
	Embedding []float32    `json:"embedding"`
	BBox      []float64    `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64      `json:"det_score"`
	Landmarks [][2]float64 `json:"landmarks,omitempty"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Analyze posts one frame to /embed/face. Server-side failures and timeouts
// only cost the frame; anything else means the server is unusable.
func (c *Client) Analyze(ctx context.Context, frame []byte) ([]types.Face, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", frame)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, types.Transient(fmt.Errorf("failed to parse response: %w", err))
	}

	faces := make([]types.Face, 0, len(faceResp.Faces))
	for _, d := range faceResp.Faces {
		faces = append(faces, d.toFace())
	}
	return faces, nil
}

func (d FaceDetection) toFace() types.Face {
	f := types.Face{Quality: d.DetScore}
	if len(d.BBox) == 4 {
		x1, y1, x2, y2 := int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3])
		f.Loc = [4]int{y1, x2, y2, x1}
	}
	if len(d.Embedding) > 0 {
		f.Vec = make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			f.Vec[i] = float64(v)
		}
	}
	if len(d.Landmarks) > 0 {
		f.Landmarks = make(types.LandmarkSet, len(d.Landmarks))
		for i, p := range d.Landmarks {
			f.Landmarks[i] = types.Point{X: p[0], Y: p[1]}
		}
	}
	return f
}

// postMultipartImage constructs a multipart form with the image data and posts it to the given endpoint.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, types.RuntimeError("embedding request", fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, types.RuntimeError("embedding request", fmt.Errorf("failed to write image data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return nil, types.RuntimeError("embedding request", fmt.Errorf("failed to close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, types.StartupError("embedding request", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) {
			return nil, types.Transient(fmt.Errorf("request timed out: %w", err))
		}
		return nil, types.RuntimeError("embedding request", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.Transient(fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	return "application/octet-stream"
}
