package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/constants"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/data"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/inference"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrNoImage image 필드가 없는 요청
var ErrNoImage = errors.New("No image uploaded")

// Detector 객체 탐지 모델
type Detector interface {
	Detect(img gocv.Mat) ([]inference.Detection, error)
	Info(verbose bool) map[string]interface{}
}

// APIs api 핸들러
type APIs struct {
	I Detector
	P *data.Palette

	AutoOrient bool
	Logger     *zap.Logger
}

// Prediction 응답의 탐지 항목
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

// PredictResponse 탐지 응답
type PredictResponse struct {
	Predictions []Prediction `json:"predictions"`
	Image       string       `json:"image"`
}

func (a *APIs) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Predict 업로드된 이미지의 객체 탐지
func (a *APIs) Predict(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, ErrNoImage)
		return
	}
	defer file.Close()

	log := a.logger().With(
		zap.String("requestID", c.GetString(requestIDKey)),
		zap.String("file", header.Filename),
		zap.Int64("bytes", header.Size))

	img, err := data.Decode(file, a.AutoOrient)
	if err != nil {
		log.Info("invalid image", zap.Error(err))
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer img.Close()

	t0 := time.Now()
	detections, err := a.I.Detect(img)
	if err != nil {
		log.Error("detection failed", zap.Error(err))
		Error(c, http.StatusInternalServerError, err)
		return
	}

	annotated := data.Annotate(img, detections, a.P)
	defer annotated.Close()

	uri, err := data.EncodeDataURI(annotated)
	if err != nil {
		log.Error("encoding failed", zap.Error(err))
		Error(c, http.StatusInternalServerError, err)
		return
	}

	predictions := make([]Prediction, 0, len(detections))
	for _, det := range detections {
		predictions = append(predictions, Prediction{
			Label:      det.Label,
			Confidence: det.Confidence,
			Box:        det.Box,
		})
	}

	log.Info("prediction done",
		zap.Int("width", img.Cols()),
		zap.Int("height", img.Rows()),
		zap.Int("predictions", len(predictions)),
		zap.Duration("elapsed", time.Since(t0)))

	c.JSON(http.StatusOK, PredictResponse{
		Predictions: predictions,
		Image:       uri,
	})
}

// ShowModel 모델 정보 반환
func (a *APIs) ShowModel(c *gin.Context) {
	_, verbose := c.GetQuery("verbose")
	c.JSON(http.StatusOK, a.I.Info(verbose))
}

// Health 상태 확인
func (a *APIs) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// HTTPError api 에러 메시지
type HTTPError struct {
	Error string `json:"error"`
}

// Error api 에러를 담은 json 응답 생성
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}

const requestIDKey = "requestID"

// RequestID 요청마다 id를 부여하고 X-Request-Id 헤더로 반환
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Logger gin 요청 로그
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t0 := time.Now()
		c.Next()

		logger.Info("request",
			zap.String("requestID", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("client", c.ClientIP()),
			zap.Duration("latency", time.Since(t0)))
	}
}

// Router 라우터 생성
func Router(a *APIs) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = constants.MaxMultipartMemory
	r.Use(RequestID(), Logger(a.logger()), gin.Recovery())

	r.POST("/predict", a.Predict)
	r.GET("/model", a.ShowModel)
	r.GET("/health", a.Health)

	return r
}
