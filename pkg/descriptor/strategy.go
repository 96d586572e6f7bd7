package descriptor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/ar-target/pkg/processing"
	"github.com/menta2k/ar-target/pkg/types"
	"github.com/menta2k/ar-target/pkg/vision"
)

// Input is what every strategy receives. ImagePath holds the composite PNG
// inside WorkDir, which is removed after the build.
type Input struct {
	ImagePath string
	Image     types.CompositeImage
	WorkDir   string
}

// Strategy produces descriptor bytes from a composite.
type Strategy interface {
	Name() types.GenerationMethod
	Attempt(ctx context.Context, in Input) ([]byte, error)
}

// Timeouter is implemented by strategies that carry their own attempt
// budget instead of the builder default.
type Timeouter interface {
	Timeout() time.Duration
}

// CommandStrategy runs an external descriptor compiler. Args may contain
// {input} and {output}; without {output} the descriptor is read from stdout.
type CommandStrategy struct {
	method  types.GenerationMethod
	command string
	args    []string
	timeout time.Duration
}

var (
	_ Strategy  = (*CommandStrategy)(nil)
	_ Timeouter = (*CommandStrategy)(nil)
)

// NewCommandStrategy creates a strategy that shells out to command.
func NewCommandStrategy(method types.GenerationMethod, command string, args []string, timeout time.Duration) *CommandStrategy {
	return &CommandStrategy{method: method, command: command, args: args, timeout: timeout}
}

func (s *CommandStrategy) Name() types.GenerationMethod { return s.method }

func (s *CommandStrategy) Timeout() time.Duration { return s.timeout }

// Attempt runs the compiler. The process is killed when ctx ends.
func (s *CommandStrategy) Attempt(ctx context.Context, in Input) ([]byte, error) {
	output := filepath.Join(in.WorkDir, string(s.method)+".bin")
	toStdout := true
	args := make([]string, len(s.args))
	for i, a := range s.args {
		if strings.Contains(a, "{output}") {
			toStdout = false
		}
		a = strings.ReplaceAll(a, "{input}", in.ImagePath)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Dir = in.WorkDir
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %s", s.command, err, lastLine(stderr.String()))
	}

	if toStdout {
		return stdout.Bytes(), nil
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%s produced no output file: %w", s.command, err)
	}
	return data, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Structural descriptor layout, all integers big endian:
//
//	byte 0      version (0x02)
//	byte 1      reserved (0x00)
//	bytes 2-5   width, height (uint16)
//	bytes 6-9   point count (uint32)
//	per point   x, y, score (uint16 each) + 8 byte binary patch signature
const (
	StructuralVersion  byte = 0x02
	structuralHeader        = 10
	structuralPointLen      = 14
	signaturePairs          = 64
	signatureRadius         = 12
)

// signatureOffsets is a fixed sampling pattern so that signatures are
// reproducible across builds.
var signatureOffsets = func() [signaturePairs][4]int {
	var out [signaturePairs][4]int
	r := rand.New(rand.NewPCG(0x41525447, 0x53494721))
	for i := range out {
		for j := range out[i] {
			out[i][j] = r.IntN(2*signatureRadius+1) - signatureRadius
		}
	}
	return out
}()

// StructuralStrategy is the degraded generator: it encodes feature points
// found by the vision detector. Trackers built on it lock on less reliably,
// but a campaign always gets a descriptor.
type StructuralStrategy struct {
	detector  *vision.FeatureDetector
	processor *processing.Processor
}

var _ Strategy = (*StructuralStrategy)(nil)

// NewStructuralStrategy creates the structural strategy
func NewStructuralStrategy(detector *vision.FeatureDetector, processor *processing.Processor) *StructuralStrategy {
	if detector == nil {
		detector = vision.New()
	}
	if processor == nil {
		processor = processing.NewProcessor()
	}
	return &StructuralStrategy{detector: detector, processor: processor}
}

func (s *StructuralStrategy) Name() types.GenerationMethod { return types.MethodStructural }

// Attempt decodes the composite and encodes its feature points.
func (s *StructuralStrategy) Attempt(ctx context.Context, in Input) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if len(in.Image.Data) > 0 {
		img, err = s.processor.DecodeImage(in.Image.Data)
	} else {
		img, err = s.processor.LoadImage(in.ImagePath)
	}
	if err != nil {
		return nil, fmt.Errorf("decode composite: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points := s.detector.DetectPoints(img)
	if len(points) == 0 {
		return nil, errors.New("no trackable features in composite")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return EncodeStructural(img, points), nil
}

// EncodeStructural serialises points with a patch signature sampled from img.
func EncodeStructural(img image.Image, points []vision.Point) []byte {
	b := img.Bounds()
	gray := imaging.Grayscale(img)

	buf := make([]byte, structuralHeader, structuralHeader+len(points)*structuralPointLen)
	buf[0] = StructuralVersion
	binary.BigEndian.PutUint16(buf[2:], clampU16(b.Dx()))
	binary.BigEndian.PutUint16(buf[4:], clampU16(b.Dy()))
	binary.BigEndian.PutUint32(buf[6:], uint32(len(points)))

	for _, p := range points {
		buf = binary.BigEndian.AppendUint16(buf, clampU16(p.X))
		buf = binary.BigEndian.AppendUint16(buf, clampU16(p.Y))
		buf = binary.BigEndian.AppendUint16(buf, uint16(math.Round(math.Min(math.Max(p.Score, 0), 1)*math.MaxUint16)))
		buf = binary.BigEndian.AppendUint64(buf, signature(gray, p.X, p.Y))
	}
	return buf
}

// DecodeStructuralHeader returns the dimensions and point count of a
// structural descriptor.
func DecodeStructuralHeader(data []byte) (width, height, count int, err error) {
	if len(data) < structuralHeader || data[0] != StructuralVersion {
		return 0, 0, 0, fmt.Errorf("%w: not a structural descriptor", ErrInvalidDescriptor)
	}
	width = int(binary.BigEndian.Uint16(data[2:]))
	height = int(binary.BigEndian.Uint16(data[4:]))
	count = int(binary.BigEndian.Uint32(data[6:]))
	if len(data) != structuralHeader+count*structuralPointLen {
		return 0, 0, 0, fmt.Errorf("%w: truncated structural descriptor", ErrInvalidDescriptor)
	}
	return width, height, count, nil
}

func signature(gray *image.NRGBA, x, y int) uint64 {
	var sig uint64
	for i, o := range signatureOffsets {
		if luminance(gray, x+o[0], y+o[1]) < luminance(gray, x+o[2], y+o[3]) {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

func luminance(gray *image.NRGBA, x, y int) uint8 {
	b := gray.Bounds()
	x = min(max(x, b.Min.X), b.Max.X-1)
	y = min(max(y, b.Min.Y), b.Max.Y-1)
	return gray.Pix[gray.PixOffset(x, y)]
}

func clampU16(v int) uint16 {
	return uint16(min(max(v, 0), math.MaxUint16))
}
