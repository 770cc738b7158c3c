package recon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/resello/inspect3d/internal/domain"
)

// Downsample ratios for the viewer variants: medium serves list views, light
// serves thumbnails.
const (
	mediumKeepRatio = 0.20
	lightKeepRatio  = 0.05
)

// GaussianCount reads the vertex count from a PLY header without loading the
// body.
func GaussianCount(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return 0, fmt.Errorf("op=ply.GaussianCount: %w", err)
	}
	defer f.Close()

	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("op=ply.GaussianCount: %w", err)
	}
	return h.vertexCount, nil
}

// WriteLightweightVersions derives point_cloud_medium.ply (~20% of points)
// and point_cloud_light.ply (~5%) next to the full file. Failures are
// returned per-variant; the full file always stays authoritative and the PLY
// endpoint falls back to it.
func WriteLightweightVersions(fullPath string) (mediumErr, lightErr error) {
	base := strings.TrimSuffix(fullPath, ".ply")
	mediumErr = downsamplePLY(fullPath, base+"_medium.ply", mediumKeepRatio)
	lightErr = downsamplePLY(fullPath, base+"_light.ply", lightKeepRatio)
	return mediumErr, lightErr
}

type plyHeader struct {
	raw         []string // header lines, verbatim, excluding end_header
	format      string
	vertexCount int
	stride      int // bytes per vertex for binary formats
}

// scalarSizes maps PLY scalar type names to their byte width.
var scalarSizes = map[string]int{
	"char": 1, "int8": 1, "uchar": 1, "uint8": 1,
	"short": 2, "int16": 2, "ushort": 2, "uint16": 2,
	"int": 4, "int32": 4, "uint": 4, "uint32": 4,
	"float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

func readHeader(r *bufio.Reader) (plyHeader, error) {
	var h plyHeader
	magic, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return h, fmt.Errorf("not a PLY file: %w", domain.ErrInvalidInput)
	}
	h.raw = append(h.raw, strings.TrimRight(magic, "\n"))

	inVertex := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("truncated PLY header: %w", err)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "end_header" {
			return h, nil
		}
		h.raw = append(h.raw, strings.TrimRight(line, "\n"))

		fields := strings.Fields(trimmed)
		switch {
		case len(fields) >= 2 && fields[0] == "format":
			h.format = fields[1]
		case len(fields) == 3 && fields[0] == "element" && fields[1] == "vertex":
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return h, fmt.Errorf("bad vertex count %q: %w", fields[2], err)
			}
			h.vertexCount = n
			inVertex = true
		case len(fields) == 3 && fields[0] == "element":
			inVertex = false
		case len(fields) == 3 && fields[0] == "property" && inVertex:
			size, ok := scalarSizes[fields[1]]
			if !ok {
				return h, fmt.Errorf("unsupported property type %q: %w", fields[1], domain.ErrInvalidInput)
			}
			h.stride += size
		}
	}
}

// downsamplePLY writes a stride-sampled copy of src keeping roughly
// keepRatio of the vertices. Splat PLYs carry only scalar vertex properties,
// so the binary body is a flat array of fixed-size records.
func downsamplePLY(src, dst string, keepRatio float64) error {
	in, err := os.Open(src) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return fmt.Errorf("op=ply.downsample open: %w", err)
	}
	defer in.Close()

	r := bufio.NewReaderSize(in, 1<<20)
	h, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("op=ply.downsample: %w", err)
	}
	if h.format != "binary_little_endian" && h.format != "binary_big_endian" {
		return fmt.Errorf("op=ply.downsample: unsupported format %q: %w", h.format, domain.ErrInvalidInput)
	}
	if h.stride == 0 || h.vertexCount == 0 {
		return fmt.Errorf("op=ply.downsample: empty vertex element: %w", domain.ErrInvalidInput)
	}

	step := int(1.0 / keepRatio)
	kept := (h.vertexCount + step - 1) / step

	out, err := os.Create(dst) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return fmt.Errorf("op=ply.downsample create: %w", err)
	}
	defer out.Close()
	w := bufio.NewWriterSize(out, 1<<20)

	for _, line := range h.raw {
		if strings.HasPrefix(strings.TrimSpace(line), "element vertex") {
			line = fmt.Sprintf("element vertex %d", kept)
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("op=ply.downsample header: %w", err)
		}
	}
	if _, err := w.WriteString("end_header\n"); err != nil {
		return fmt.Errorf("op=ply.downsample header: %w", err)
	}

	record := make([]byte, h.stride)
	for i := 0; i < h.vertexCount; i++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return fmt.Errorf("op=ply.downsample vertex %d: %w", i, err)
		}
		if i%step != 0 {
			continue
		}
		if _, err := w.Write(record); err != nil {
			return fmt.Errorf("op=ply.downsample write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("op=ply.downsample flush: %w", err)
	}
	return nil
}
