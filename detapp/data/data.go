package data

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/constants"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/inference"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	// imaging이 등록하는 jpeg, png, gif, bmp, tiff 외 추가 포맷
	_ "golang.org/x/image/webp"
)

// DataURIPrefix 응답 이미지의 data URI 헤더
const DataURIPrefix = "data:image/jpeg;base64,"

// Decode 업로드된 이미지를 OpenCV BGR Mat으로 변환
func Decode(r io.Reader, autoOrient bool) (gocv.Mat, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(autoOrient))
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "Cannot decode image")
	}

	// ImageToMatRGB는 RGB 순서를 BGR로 바꿔 3채널 Mat을 만든다
	mat, err := gocv.ImageToMatRGB(opaque(imaging.Clone(img)))
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "Cannot convert image")
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), errors.New("Cannot decode image: empty image")
	}

	return mat, nil
}

// opaque alpha를 버리고 저장된 RGB 값을 그대로 유지한 RGBA 이미지 생성.
// premultiply 없이 원본 색을 모델에 전달한다.
func opaque(src *image.NRGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	for idx := 3; idx < len(dst.Pix); idx += 4 {
		dst.Pix[idx] = 0xff
	}

	return dst
}

// Palette class 별 고정 색상
type Palette struct {
	colors []color.RGBA
}

// NewPalette seed가 같으면 항상 같은 색상 표를 생성
func NewPalette(n int, seed int64) *Palette {
	rng := rand.New(rand.NewSource(seed))

	colors := make([]color.RGBA, n)
	for idx := range colors {
		colors[idx] = color.RGBA{
			R: uint8(rng.Intn(255)),
			G: uint8(rng.Intn(255)),
			B: uint8(rng.Intn(255)),
			A: 255,
		}
	}

	return &Palette{colors: colors}
}

// Color class id의 색상 반환
func (p *Palette) Color(classID int) color.RGBA {
	if p == nil || classID < 0 || classID >= len(p.colors) {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return p.colors[classID]
}

// Len 색상 수
func (p *Palette) Len() int {
	return len(p.colors)
}

// Annotate 원본을 복사한 Mat에 탐지 결과를 그린다
func Annotate(img gocv.Mat, detections []inference.Detection, p *Palette) gocv.Mat {
	out := img.Clone()

	for _, det := range detections {
		c := p.Color(det.ClassID)
		rect := image.Rect(det.Box[0], det.Box[1], det.Box[2], det.Box[3])
		text := fmt.Sprintf("%s: %.4f", det.Label, det.Confidence)

		gocv.Rectangle(&out, rect, c, 2)
		gocv.PutText(&out, text, image.Pt(det.Box[0], det.Box[1]-5), gocv.FontHersheySimplex, 0.5, c, 2)
	}

	return out
}

// EncodeJPEG JPEG 인코딩
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), constants.JPEGQuality})
	if err != nil {
		return nil, errors.Wrap(err, "Cannot encode image")
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

// EncodeDataURI JPEG 인코딩 후 base64 data URI로 반환
func EncodeDataURI(img gocv.Mat) (string, error) {
	jpg, err := EncodeJPEG(img)
	if err != nil {
		return "", err
	}

	return DataURIPrefix + base64.StdEncoding.EncodeToString(jpg), nil
}
