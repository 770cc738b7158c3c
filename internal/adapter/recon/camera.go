package recon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/resello/inspect3d/internal/domain"
)

// CameraPosition is a viewer camera location in model space.
type CameraPosition struct {
	X, Y, Z float64
}

// Scale returns the position moved k times farther from the origin.
func (p CameraPosition) Scale(k float64) CameraPosition {
	return CameraPosition{X: p.X * k, Y: p.Y * k, Z: p.Z * k}
}

// Format renders the position as the viewer's cameraPosition query value.
func (p CameraPosition) Format() string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z)
}

// FirstCameraPosition derives the viewer camera from the first registered
// image in the sparse model: the camera center is -Rᵀt, then rotated 180°
// around the Y axis so the viewer faces the object from the shooting side.
func FirstCameraPosition(sparseDir string) (CameraPosition, error) {
	f, err := os.Open(filepath.Join(sparseDir, "images.txt")) // #nosec G304 -- path is workspace-derived
	if err != nil {
		return CameraPosition{}, fmt.Errorf("op=recon.FirstCameraPosition: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Pose line: IMAGE_ID QW QX QY QZ TX TY TZ CAMERA_ID NAME
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return CameraPosition{}, fmt.Errorf("op=recon.FirstCameraPosition: malformed pose line: %w", domain.ErrInvalidInput)
		}
		vals := make([]float64, 7)
		for i := range vals {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return CameraPosition{}, fmt.Errorf("op=recon.FirstCameraPosition: field %d: %w", i+1, err)
			}
			vals[i] = v
		}
		qw, qx, qy, qz := vals[0], vals[1], vals[2], vals[3]
		tx, ty, tz := vals[4], vals[5], vals[6]
		c := cameraCenter(qw, qx, qy, qz, tx, ty, tz)
		// 180° about Y.
		return CameraPosition{X: -c.X, Y: c.Y, Z: -c.Z}, nil
	}
	if err := sc.Err(); err != nil {
		return CameraPosition{}, fmt.Errorf("op=recon.FirstCameraPosition: %w", err)
	}
	return CameraPosition{}, fmt.Errorf("op=recon.FirstCameraPosition: no registered images: %w", domain.ErrInvalidInput)
}

// cameraCenter computes C = -Rᵀt for a world-to-camera pose given as a unit
// quaternion plus translation.
func cameraCenter(qw, qx, qy, qz, tx, ty, tz float64) CameraPosition {
	r00 := 1 - 2*(qy*qy+qz*qz)
	r01 := 2 * (qx*qy - qz*qw)
	r02 := 2 * (qx*qz + qy*qw)
	r10 := 2 * (qx*qy + qz*qw)
	r11 := 1 - 2*(qx*qx+qz*qz)
	r12 := 2 * (qy*qz - qx*qw)
	r20 := 2 * (qx*qz - qy*qw)
	r21 := 2 * (qy*qz + qx*qw)
	r22 := 1 - 2*(qx*qx+qy*qy)

	return CameraPosition{
		X: -(r00*tx + r10*ty + r20*tz),
		Y: -(r01*tx + r11*ty + r21*tz),
		Z: -(r02*tx + r12*ty + r22*tz),
	}
}
