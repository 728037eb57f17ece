// Package frame defines the JSON messages exchanged over MQTT between the
// publisher UI and the inference worker. Images travel as base64 JPEG.
package frame

import (
	iface "MeterDetServer/interface"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NoFormattedOutput is shown when a result carries no reading.
const NoFormattedOutput = "No formatted output"

var ErrEmptyImage = errors.New("frame: empty image")

// ImageRequest is published on the request topic. ID is optional for
// compatibility with clients that only send the image.
type ImageRequest struct {
	ID    string `json:"id,omitempty"`
	Image string `json:"image"`
}

type Detection struct {
	ClassID    int        `json:"class_id"`
	Name       string     `json:"name,omitempty"`
	Confidence float32    `json:"confidence"`
	Box        [4]float32 `json:"box"`
}

// DetectionResult is published on the result topic. formatted_output is
// always sent; an empty reading (nothing detected) is a valid reading.
type DetectionResult struct {
	ID              string      `json:"id,omitempty"`
	ProcessedImage  string      `json:"processed_image"`
	FormattedOutput string      `json:"formatted_output"`
	Digits          []int       `json:"digits,omitempty"`
	Detections      []Detection `json:"detections,omitempty"`
	Error           string      `json:"error,omitempty"`

	// set when a received payload had no formatted_output key
	outputMissing bool
}

func (r *DetectionResult) UnmarshalJSON(data []byte) error {
	type wire DetectionResult
	aux := struct {
		*wire
		FormattedOutput *string `json:"formatted_output"`
	}{wire: (*wire)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.FormattedOutput = ""
	if aux.FormattedOutput != nil {
		r.FormattedOutput = *aux.FormattedOutput
	}
	r.outputMissing = aux.FormattedOutput == nil
	return nil
}

func NewID() string {
	return uuid.NewString()
}

func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeImage accepts plain base64 or a data URL (data:image/...;base64,...).
func DecodeImage(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	if b64 == "" {
		return nil, ErrEmptyImage
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("frame: decode base64: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}

func NewImageRequest(id string, jpeg []byte) ([]byte, error) {
	if len(jpeg) == 0 {
		return nil, ErrEmptyImage
	}
	return json.Marshal(ImageRequest{ID: id, Image: EncodeImage(jpeg)})
}

// ParseImageRequest returns the request and its decoded image bytes.
func ParseImageRequest(payload []byte) (ImageRequest, []byte, error) {
	var req ImageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, nil, fmt.Errorf("frame: parse image request: %w", err)
	}
	img, err := DecodeImage(req.Image)
	if err != nil {
		return req, nil, err
	}
	return req, img, nil
}

// NewDetectionResult builds the reply for a finished detection.
func NewDetectionResult(id string, out *iface.Outcome) DetectionResult {
	res := DetectionResult{
		ID:              id,
		FormattedOutput: out.Reading,
		Digits:          out.Digits,
		Detections:      Detections(out.Detections),
	}
	if len(out.Annotated) > 0 {
		res.ProcessedImage = EncodeImage(out.Annotated)
	}
	return res
}

func Detections(results []iface.Result) []Detection {
	dets := make([]Detection, 0, len(results))
	for _, r := range results {
		x1, y1, x2, y2 := r.Box.XYXY()
		dets = append(dets, Detection{
			ClassID:    r.ClassID,
			Name:       r.Name,
			Confidence: r.Conf,
			Box:        [4]float32{x1, y1, x2, y2},
		})
	}
	return dets
}

func ErrorResult(id string, err error) DetectionResult {
	return DetectionResult{ID: id, Error: err.Error()}
}

func ParseDetectionResult(payload []byte) (DetectionResult, error) {
	var res DetectionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return res, fmt.Errorf("frame: parse detection result: %w", err)
	}
	return res, nil
}

// Reading returns the formatted output, or the display fallback for failed
// results and payloads that carried no formatted_output at all.
func (r DetectionResult) Reading() string {
	if r.Error != "" || r.outputMissing {
		return NoFormattedOutput
	}
	return r.FormattedOutput
}

// Image decodes the processed image.
func (r DetectionResult) Image() ([]byte, error) {
	return DecodeImage(r.ProcessedImage)
}
