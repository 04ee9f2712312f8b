package inference

import (
	"image"
	"sort"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Detection 탐지 결과 항목
type Detection struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"-"`
	Confidence float32 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

// YOLO 출력 행: [cx, cy, w, h, objectness, score_0, ..., score_n]
const scoreOffset = 5

type candidate struct {
	index      int
	classID    int
	confidence float32
	rect       image.Rectangle
}

// parseOutput 행마다 최고 점수 class를 고르고 threshold를 넘는 후보만 남긴다.
// 좌표는 원본 이미지 픽셀 기준으로 변환.
func parseOutput(rows [][]float32, width, height, nrLabels int, threshold float32) ([]candidate, error) {
	var cands []candidate

	for _, row := range rows {
		scores := row[min(scoreOffset, len(row)):]
		if len(scores) == 0 {
			return nil, errors.Errorf("Invalid output row length: %d", len(row))
		}
		if len(scores) != nrLabels {
			return nil, errors.Errorf(
				"The number of labels(%d) and class scores(%d) does not match",
				nrLabels,
				len(scores),
			)
		}

		classID := 0
		for idx, score := range scores {
			if score > scores[classID] {
				classID = idx
			}
		}
		confidence := scores[classID]
		if confidence <= threshold {
			continue
		}

		cx := int(float64(row[0]) * float64(width))
		cy := int(float64(row[1]) * float64(height))
		w := int(float64(row[2]) * float64(width))
		h := int(float64(row[3]) * float64(height))
		x := int(float64(cx) - float64(w)/2)
		y := int(float64(cy) - float64(h)/2)

		// NMS 전에 이미지 범위로 잘라야 반환되는 박스끼리의 IoU가 threshold 이하로 유지된다
		cands = append(cands, candidate{
			index:      len(cands),
			classID:    classID,
			confidence: confidence,
			rect:       clampRect(image.Rect(x, y, x+w, y+h), width, height),
		})
	}

	return cands, nil
}

// suppress class 별로 NMS를 수행하고 confidence 내림차순으로 반환
func suppress(cands []candidate, scoreTh, nmsTh float32) []candidate {
	byClass := make(map[int][]candidate)
	for _, cand := range cands {
		byClass[cand.classID] = append(byClass[cand.classID], cand)
	}

	var kept []candidate
	for _, group := range byClass {
		boxes := make([]image.Rectangle, len(group))
		scores := make([]float32, len(group))
		for idx, cand := range group {
			boxes[idx] = cand.rect
			scores[idx] = cand.confidence
		}

		for _, idx := range gocv.NMSBoxes(boxes, scores, scoreTh, nmsTh) {
			kept = append(kept, group[idx])
		}
	}

	sort.Sort(sortByConfidence(kept))

	return kept
}

// clampRect 좌표를 [0, width-1], [0, height-1] 범위로 자른다
func clampRect(r image.Rectangle, width, height int) image.Rectangle {
	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}

	return image.Rect(
		clamp(r.Min.X, width-1),
		clamp(r.Min.Y, height-1),
		clamp(r.Max.X, width-1),
		clamp(r.Max.Y, height-1),
	)
}

// clampBox [x1, y1, x2, y2] 형식으로 반환
func clampBox(r image.Rectangle, width, height int) [4]int {
	r = clampRect(r, width, height)
	return [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

type sortByConfidence []candidate

func (s sortByConfidence) Len() int {
	return len(s)
}

func (s sortByConfidence) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sortByConfidence) Less(i, j int) bool {
	if s[i].confidence != s[j].confidence {
		return s[i].confidence > s[j].confidence
	}
	return s[i].index < s[j].index
}
