package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

var jpegFrame = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func TestAnalyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("Expected /embed/face, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Expected multipart file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if len(data) != len(jpegFrame) {
			t.Errorf("Expected %d bytes uploaded, got %d", len(jpegFrame), len(data))
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Expected image/jpeg part, got %q", ct)
		}

		json.NewEncoder(w).Encode(FaceResponse{
			FacesCount: 1,
			Faces: []FaceDetection{{
				Dim:       3,
				Embedding: []float32{0.25, 0.5, 1},
				BBox:      []float64{10, 20, 110, 220},
				DetScore:  0.97,
			}},
			Model: "buffalo_l",
		})
	}))
	defer server.Close()

	faces, err := NewClient(server.URL+"/", 0).Analyze(context.Background(), jpegFrame)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if f.Loc != [4]int{20, 110, 220, 10} {
		t.Errorf("Expected bbox mapped to top/right/bottom/left, got %v", f.Loc)
	}
	if f.Area() != 200*100 {
		t.Errorf("Expected area 20000, got %d", f.Area())
	}
	if len(f.Vec) != 3 || f.Vec[1] != 0.5 {
		t.Errorf("Unexpected embedding %v", f.Vec)
	}
	if f.Quality != 0.97 {
		t.Errorf("Expected det score as quality, got %f", f.Quality)
	}
}

func TestAnalyze_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 0).Analyze(context.Background(), jpegFrame)
	if !errors.Is(err, types.ErrTransientFrame) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestAnalyze_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	_, err := NewClient(server.URL, 20*time.Millisecond).Analyze(context.Background(), jpegFrame)
	if !errors.Is(err, types.ErrTransientFrame) {
		t.Errorf("Expected transient timeout, got %v", err)
	}
}

func TestAnalyze_UnreachableIsFatal(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url, time.Second).Analyze(context.Background(), jpegFrame)
	if _, ok := types.IsFatal(err); !ok {
		t.Errorf("Expected fatal error for refused connection, got %v", err)
	}
}

func TestAnalyze_Landmarks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces_count":1,"faces":[{"face_index":0,"bbox":[0,0,10,10],"det_score":0.9,"landmarks":[[1,2],[3,4]]}]}`))
	}))
	defer server.Close()

	faces, err := NewClient(server.URL, 0).Analyze(context.Background(), jpegFrame)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(faces[0].Landmarks) != 2 || faces[0].Landmarks[1] != (types.Point{X: 3, Y: 4}) {
		t.Errorf("Unexpected landmarks %v", faces[0].Landmarks)
	}
	if faces[0].Vec != nil {
		t.Errorf("Expected no embedding, got %v", faces[0].Vec)
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegFrame, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"short", []byte{0xFF}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}
