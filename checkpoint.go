package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// ===========================================================================
// CHECKPOINT SERIALIZATION
// ===========================================================================
//
// Simple binary container: a JSON header describing the run and the tensor
// shapes, followed by every parameter as raw little-endian float32, followed
// (optionally) by the optimizer's momentum buffers in the same order.
//
// Format:
//   [4]  magic "IBC1"
//   [4]  uint32 header length
//   [n]  JSON header
//   [..] parameter data, little-endian float32, header order
//   [..] momentum data when HasOptimizer is set
//
// Shapes live in the header so a load into a mismatched architecture fails
// with a clear error instead of silently misreading tensor boundaries.
//
// ===========================================================================

const checkpointMagic = "IBC1"

// CheckpointMeta is the JSON header of a checkpoint file.
type CheckpointMeta struct {
	Arch         string    `json:"arch"`
	NumClasses   int       `json:"num_classes"`
	ImageSize    int       `json:"image_size"`
	Epoch        int       `json:"epoch"`
	BestAcc1     float64   `json:"best_acc1"`
	Precision    Precision `json:"precision"`
	ParamShapes  [][]int   `json:"param_shapes"`
	HasOptimizer bool      `json:"has_optimizer"`
}

// SaveCheckpoint writes model parameters (and optimizer momentum, when
// non-nil) to path.
func SaveCheckpoint(path string, meta CheckpointMeta, params []*Tensor, momentum [][]float32) error {
	meta.ParamShapes = make([][]int, len(params))
	for i, p := range params {
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		meta.ParamShapes[i] = shape
	}
	meta.HasOptimizer = momentum != nil

	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(checkpointMagic)); err != nil {
		return fmt.Errorf("checkpoint: write magic: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("checkpoint: write header length: %w", err)
	}
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("checkpoint: write header: %w", err)
	}

	for i, p := range params {
		if err := writeFloat32s(f, p.Data); err != nil {
			return fmt.Errorf("checkpoint: write param %d: %w", i, err)
		}
	}
	if momentum != nil {
		if len(momentum) != len(params) {
			return fmt.Errorf("checkpoint: %d momentum buffers for %d params", len(momentum), len(params))
		}
		for i, buf := range momentum {
			if err := writeFloat32s(f, buf); err != nil {
				return fmt.Errorf("checkpoint: write momentum %d: %w", i, err)
			}
		}
	}
	return nil
}

// ReadCheckpointMeta reads only the JSON header of a checkpoint.
func ReadCheckpointMeta(path string) (*CheckpointMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()
	meta, err := readMeta(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	return meta, nil
}

// LoadCheckpointInto restores parameters (and momentum buffers when both the
// file and the caller have them) in place and returns the header.
func LoadCheckpointInto(path string, params []*Tensor, momentum [][]float32) (*CheckpointMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	meta, err := readMeta(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	if len(meta.ParamShapes) != len(params) {
		return nil, fmt.Errorf("checkpoint: %s has %d tensors, model has %d", path, len(meta.ParamShapes), len(params))
	}
	for i, p := range params {
		if !shapeEqual(meta.ParamShapes[i], p.Shape) {
			return nil, fmt.Errorf("checkpoint: tensor %d shape %v does not match model shape %v", i, meta.ParamShapes[i], p.Shape)
		}
		if err := readFloat32s(f, p.Data); err != nil {
			return nil, fmt.Errorf("checkpoint: read param %d: %w", i, err)
		}
	}
	if momentum != nil && meta.HasOptimizer {
		for i := range params {
			if err := readFloat32s(f, momentum[i]); err != nil {
				return nil, fmt.Errorf("checkpoint: read momentum %d: %w", i, err)
			}
		}
	}
	return meta, nil
}

func readMeta(r io.Reader) (*CheckpointMeta, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != checkpointMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var meta CheckpointMeta
	if err := json.Unmarshal(header, &meta); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	return &meta, nil
}

func writeFloat32s(w io.Writer, data []float32) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readFloat32s(r io.Reader, data []float32) error {
	buf := make([]byte, 4*len(data))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return nil
}

// CopyBest copies the latest checkpoint to the best-model path after a new
// best accuracy.
func CopyBest(latest, best string) error {
	data, err := os.ReadFile(latest)
	if err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", latest, err)
	}
	if err := os.WriteFile(best, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", best, err)
	}
	return nil
}
