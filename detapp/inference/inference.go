package inference

import (
	"bufio"
	"image"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/harrison-roh/object-detection-with-yolo/detapp/constants"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gopkg.in/yaml.v2"
)

// Config 객체 탐지 모델 생성 설정정보
type Config struct {
	ModelPath string
	Logger    *zap.Logger
}

// Inference 객체 탐지 모델
//
// 생성 이후 설정과 라벨은 변경되지 않는다. OpenCV network는 입력 blob을
// 내부 상태로 가지므로 forward pass는 netMutex로 직렬화한다.
type Inference struct {
	modelPath string
	cfg       modelConfig
	labels    []string

	net       gocv.Net
	outLayers []string
	netMutex  sync.Mutex

	logger *zap.Logger
}

type modelConfig struct {
	Name                string  `yaml:"name"`
	Description         string  `yaml:"description"`
	LabelsFile          string  `yaml:"labelsFile"`
	NetworkFile         string  `yaml:"networkFile"`
	WeightsFile         string  `yaml:"weightsFile"`
	InputShape          []int   `yaml:"inputShape"`
	Scale               float64 `yaml:"scale"`
	SwapRB              bool    `yaml:"swapRB"`
	ConfidenceThreshold float32 `yaml:"confidenceThreshold"`
	ScoreThreshold      float32 `yaml:"scoreThreshold"`
	NMSThreshold        float32 `yaml:"nmsThreshold"`
}

func defaultModelConfig() modelConfig {
	return modelConfig{
		Name:                constants.DefaultModelName,
		Description:         "YOLOv3 trained on COCO",
		LabelsFile:          constants.LabelsFile,
		NetworkFile:         constants.NetworkFile,
		WeightsFile:         constants.WeightsFile,
		InputShape:          []int{constants.InputWidth, constants.InputHeight},
		Scale:               constants.InputScale,
		SwapRB:              true,
		ConfidenceThreshold: constants.ConfidenceThreshold,
		ScoreThreshold:      constants.ScoreThreshold,
		NMSThreshold:        constants.NMSThreshold,
	}
}

// config.yaml이 없으면 기본 설정을 사용
func loadModelConfig(modelPath string) (modelConfig, error) {
	cfg := defaultModelConfig()

	cfgBytes, err := ioutil.ReadFile(path.Join(modelPath, constants.ModelConfig))
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, errors.Wrap(err, "cannot read model config")
	}

	if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
		return cfg, errors.Wrap(err, "cannot parse model config")
	}

	if len(cfg.InputShape) != 2 || cfg.InputShape[0] <= 0 || cfg.InputShape[1] <= 0 {
		return cfg, errors.Errorf("Invalid input shape: %v", cfg.InputShape)
	}
	if cfg.Scale <= 0 {
		return cfg, errors.Errorf("Invalid input scale: %v", cfg.Scale)
	}

	return cfg, nil
}

func loadLabels(labelsFile string) ([]string, error) {
	fp, err := os.Open(labelsFile)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open labels")
	}
	defer fp.Close()

	var labels []string
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read labels")
	}

	// 파일 끝의 빈 줄 제거
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	if len(labels) == 0 {
		return nil, errors.Errorf("Empty labels: %s", labelsFile)
	}

	return labels, nil
}

// outputLayerNames GetUnconnectedOutLayers는 1부터 시작하는 layer id를 반환
func outputLayerNames(layerNames []string, ids []int) ([]string, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 1 || id > len(layerNames) {
			return nil, errors.Errorf("Invalid output layer id: %d", id)
		}
		names = append(names, layerNames[id-1])
	}

	return names, nil
}

// New 객체 탐지 모델 생성
func New(c Config) (*Inference, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := loadModelConfig(c.ModelPath)
	if err != nil {
		return nil, err
	}

	labels, err := loadLabels(path.Join(c.ModelPath, cfg.LabelsFile))
	if err != nil {
		return nil, err
	}

	networkFile := path.Join(c.ModelPath, cfg.NetworkFile)
	weightsFile := path.Join(c.ModelPath, cfg.WeightsFile)
	// OpenCV는 파일이 없으면 예외로 프로세스를 종료하므로 먼저 확인
	for _, f := range []string{networkFile, weightsFile} {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrap(err, "cannot find model file")
		}
	}
	logger.Info("loading YOLO from disk",
		zap.String("network", networkFile),
		zap.String("weights", weightsFile))

	net := gocv.ReadNetFromDarknet(networkFile, weightsFile)
	if net.Empty() {
		return nil, errors.Errorf("Cannot load network: %s, %s", networkFile, weightsFile)
	}

	outLayers, err := outputLayerNames(net.GetLayerNames(), net.GetUnconnectedOutLayers())
	if err != nil {
		net.Close()
		return nil, err
	}

	logger.Info("model loaded",
		zap.String("model", cfg.Name),
		zap.Int("labels", len(labels)),
		zap.Strings("outputLayers", outLayers))

	return &Inference{
		modelPath: c.ModelPath,
		cfg:       cfg,
		labels:    labels,
		net:       net,
		outLayers: outLayers,
		logger:    logger,
	}, nil
}

// Labels 라벨 목록 반환
func (i *Inference) Labels() []string {
	labels := make([]string, len(i.labels))
	copy(labels, i.labels)
	return labels
}

// Info 모델 정보 반환
func (i *Inference) Info(verbose bool) map[string]interface{} {
	var labels []string
	if verbose || len(i.labels) <= constants.ShowLabelsMax {
		labels = i.Labels()
	} else {
		labels = make([]string, constants.ShowLabelsMax)
		copy(labels, i.labels)
		labels = append(labels, "...")
	}

	return map[string]interface{}{
		"model":               i.cfg.Name,
		"modelPath":           i.modelPath,
		"description":         i.cfg.Description,
		"inputShape":          i.cfg.InputShape,
		"numberOfLabels":      len(i.labels),
		"confidenceThreshold": i.cfg.ConfidenceThreshold,
		"scoreThreshold":      i.cfg.ScoreThreshold,
		"nmsThreshold":        i.cfg.NMSThreshold,
		"outputLayers":        i.outLayers,
		"labels":              labels,
	}
}

// Detect BGR 이미지에서 객체 탐지
func (i *Inference) Detect(img gocv.Mat) ([]Detection, error) {
	if img.Empty() {
		return nil, errors.New("Empty image")
	}
	width, height := img.Cols(), img.Rows()

	rows, elapsed, err := i.forward(img)
	if err != nil {
		return nil, err
	}
	i.logger.Info("YOLO forward pass",
		zap.Duration("elapsed", elapsed),
		zap.Int("candidates", len(rows)))

	cands, err := parseOutput(rows, width, height, len(i.labels), i.cfg.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	kept := suppress(cands, i.cfg.ScoreThreshold, i.cfg.NMSThreshold)

	detections := make([]Detection, 0, len(kept))
	for _, cand := range kept {
		detections = append(detections, Detection{
			Label:      i.labels[cand.classID],
			ClassID:    cand.classID,
			Confidence: cand.confidence,
			Box:        clampBox(cand.rect, width, height),
		})
	}

	return detections, nil
}

func (i *Inference) forward(img gocv.Mat) ([][]float32, time.Duration, error) {
	size := image.Pt(i.cfg.InputShape[0], i.cfg.InputShape[1])
	blob := gocv.BlobFromImage(img, i.cfg.Scale, size, gocv.NewScalar(0, 0, 0, 0), i.cfg.SwapRB, false)
	defer blob.Close()
	if blob.Empty() {
		return nil, 0, errors.New("Cannot create input blob")
	}

	i.netMutex.Lock()
	defer i.netMutex.Unlock()

	t0 := time.Now()
	i.net.SetInput(blob, "")
	outputs := i.net.ForwardLayers(i.outLayers)
	elapsed := time.Since(t0)

	defer func() {
		for _, out := range outputs {
			out.Close()
		}
	}()

	if len(outputs) != len(i.outLayers) {
		return nil, elapsed, errors.Errorf(
			"The number of output layers(%d) and outputs(%d) does not match",
			len(i.outLayers),
			len(outputs),
		)
	}

	var rows [][]float32
	for _, out := range outputs {
		rows = append(rows, matRows(out)...)
	}

	return rows, elapsed, nil
}

func matRows(m gocv.Mat) [][]float32 {
	nrRows, nrCols := m.Rows(), m.Cols()
	rows := make([][]float32, nrRows)

	// 연속된 CV_32F 버퍼면 한 번에 복사
	if data, err := m.DataPtrFloat32(); err == nil && len(data) >= nrRows*nrCols {
		for r := range rows {
			rows[r] = append([]float32(nil), data[r*nrCols:(r+1)*nrCols]...)
		}
		return rows
	}

	for r := range rows {
		row := make([]float32, nrCols)
		for c := range row {
			row[c] = m.GetFloatAt(r, c)
		}
		rows[r] = row
	}

	return rows
}

// Destroy 모델 해제
func (i *Inference) Destroy() error {
	i.netMutex.Lock()
	defer i.netMutex.Unlock()

	err := i.net.Close()
	if err != nil {
		i.logger.Warn("model close failed", zap.String("model", i.cfg.Name), zap.Error(err))
	} else {
		i.logger.Info("model successfully closed", zap.String("model", i.cfg.Name))
	}

	return err
}
