package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Prediction 탐지 항목
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        []int   `json:"box"`
}

// Response /predict 응답
type Response struct {
	Predictions []Prediction `json:"predictions"`
	Image       string       `json:"image"`
}

// StatusError 200이 아닌 응답
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Server returned status code %d", e.StatusCode)
}

// Client 탐지 서버 클라이언트
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New 클라이언트 생성
func New(url string) *Client {
	return &Client{
		URL:        url,
		HTTPClient: http.DefaultClient,
	}
}

// Predict 이미지 파일을 업로드하고 탐지 결과를 반환
func (c *Client) Predict(imagePath string) (*Response, error) {
	fp, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open image")
	}
	defer fp.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if _, err := io.Copy(part, fp); err != nil {
		return nil, errors.Wrap(err, "copy image data")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	req, err := http.NewRequest(http.MethodPost, c.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(res.Body)
		return nil, &StatusError{
			StatusCode: res.StatusCode,
			Body:       string(text),
		}
	}

	var response Response
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	return &response, nil
}

// DecodeImage data URI에서 이미지 바이트 추출
func DecodeImage(dataURI string) ([]byte, error) {
	idx := strings.Index(dataURI, ",")
	if idx < 0 {
		return nil, errors.New("invalid data URI")
	}

	img, err := base64.StdEncoding.DecodeString(dataURI[idx+1:])
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 image")
	}

	return img, nil
}

// SaveImage data URI의 이미지를 파일로 저장
func SaveImage(dataURI, outputPath string) error {
	img, err := DecodeImage(dataURI)
	if err != nil {
		return err
	}

	return errors.Wrap(os.WriteFile(outputPath, img, 0o644), "save image")
}

// FormatPrediction 출력용 문자열
func FormatPrediction(n int, p Prediction) string {
	return fmt.Sprintf("  %d. Label: %s, Confidence: %.4f, Box: %v", n, p.Label, p.Confidence, p.Box)
}
