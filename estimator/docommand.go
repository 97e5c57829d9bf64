package estimator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"
)

// DoCommander is the subset of a resource the adapter needs.
type DoCommander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// DoCommandEstimator adapts a generic DoCommand resource into a
// PoseEstimator. The remote side receives an "estimate-poses" command with
// the PNG-encoded frame, the marker size and the intrinsics, and answers
// with a "markers" list of {id, rotation (9 row-major floats),
// translation (3 floats)} entries.
type DoCommandEstimator struct {
	client DoCommander
	logger logging.Logger
}

// NewDoCommandEstimator wraps a DoCommand resource.
func NewDoCommandEstimator(client DoCommander, logger logging.Logger) *DoCommandEstimator {
	return &DoCommandEstimator{client: client, logger: logger}
}

// EstimatePoses implements PoseEstimator.
func (e *DoCommandEstimator) EstimatePoses(ctx context.Context, img image.Image, intr Intrinsics, markerSizeMM float64) ([]MarkerPose, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	resp, err := e.client.DoCommand(ctx, map[string]interface{}{
		"command":        "estimate-poses",
		"image_png":      base64.StdEncoding.EncodeToString(buf.Bytes()),
		"marker_size_mm": markerSizeMM,
		"intrinsics": map[string]interface{}{
			"fx":         intr.Fx,
			"fy":         intr.Fy,
			"cx":         intr.Cx,
			"cy":         intr.Cy,
			"distortion": intr.Distortion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pose estimator command failed: %w", err)
	}
	return parseMarkers(resp)
}

// parseMarkers unpacks the loosely-typed DoCommand response. Values arrive
// as the generic shapes protobuf structs decode to, so every field is
// type-asserted individually.
func parseMarkers(resp map[string]interface{}) ([]MarkerPose, error) {
	markersRaw, ok := resp["markers"]
	if !ok {
		return nil, fmt.Errorf("pose estimator response missing markers field")
	}
	markersList, ok := markersRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("pose estimator markers field is not a list")
	}

	out := make([]MarkerPose, 0, len(markersList))
	for i, raw := range markersList {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("marker %d is not a map", i)
		}
		id, ok := entry["id"].(float64)
		if !ok {
			return nil, fmt.Errorf("marker %d id is not a number", i)
		}
		rotation, err := floatList(entry["rotation"], 9)
		if err != nil {
			return nil, fmt.Errorf("marker %d rotation: %w", i, err)
		}
		translation, err := floatList(entry["translation"], 3)
		if err != nil {
			return nil, fmt.Errorf("marker %d translation: %w", i, err)
		}
		out = append(out, MarkerPose{
			ID:          int(id),
			Rotation:    mat.NewDense(3, 3, rotation),
			Translation: mat.NewVecDense(3, translation),
		})
	}
	return out, nil
}

func floatList(raw interface{}, want int) ([]float64, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	if len(list) != want {
		return nil, fmt.Errorf("has %d elements, want %d", len(list), want)
	}
	out := make([]float64, want)
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = f
	}
	return out, nil
}
