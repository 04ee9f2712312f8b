package constants

const (
	DefaultModelName string = "yolov3-coco"

	ModelsPath  string = "/det/models/yolo-coco"
	ListenAddr  string = "0.0.0.0:5000"
	ModelConfig string = "config.yaml"

	LabelsFile  string = "coco.names"
	NetworkFile string = "yolov3.cfg"
	WeightsFile string = "yolov3.weights"

	InputWidth  int     = 416
	InputHeight int     = 416
	InputScale  float64 = 1 / 255.0

	ConfidenceThreshold float32 = 0.5
	ScoreThreshold      float32 = 0.5
	NMSThreshold        float32 = 0.3

	ColorSeed   int64 = 42
	JPEGQuality int   = 95

	MaxMultipartMemory int64 = 8 << 20
	ShowLabelsMax      int   = 10
)
