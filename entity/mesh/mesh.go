// Package mesh loads triangle meshes from Wavefront OBJ sources.
package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrEmptyMesh is returned when a source declares no vertex position.
var ErrEmptyMesh = errors.New("mesh has no vertices")

// Vertex references attributes of a face corner. Indices are zero-based;
// -1 means the attribute is absent.
type Vertex struct {
	Position int
	TexCoord int
	Normal   int
}

// Mesh is a triangulated mesh.
type Mesh struct {
	Positions [][3]float32
	TexCoords [][2]float32
	Normals   [][3]float32

	// Every three consecutive vertices form one triangle
	Triangles []Vertex
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Triangles) / 3
}

// SyntaxError reports a malformed line of an OBJ source.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("obj line %d: %s", e.Line, e.Msg)
}

// LoadFile loads the OBJ file at path.
func LoadFile(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f)
}

// Load parses an OBJ source. Polygons are fan-triangulated. Object, group,
// smoothing, material, line, point and parameter space vertex statements
// are accepted and ignored.
func Load(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++

		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "v":
			var p []float32
			p, err = parseFloats(fields[1:], 3, 4)
			if err == nil {
				m.Positions = append(m.Positions, [3]float32{p[0], p[1], p[2]})
			}
		case "vt":
			var p []float32
			p, err = parseFloats(fields[1:], 1, 3)
			if err == nil {
				uv := [2]float32{p[0]}
				if len(p) > 1 {
					uv[1] = p[1]
				}
				m.TexCoords = append(m.TexCoords, uv)
			}
		case "vn":
			var p []float32
			p, err = parseFloats(fields[1:], 3, 3)
			if err == nil {
				m.Normals = append(m.Normals, [3]float32{p[0], p[1], p[2]})
			}
		case "f":
			err = m.addFace(fields[1:])
		case "o", "g", "s", "usemtl", "mtllib", "l", "p", "vp":
		default:
			err = fmt.Errorf("unknown statement %q", fields[0])
		}

		if err != nil {
			return nil, &SyntaxError{Line: line, Msg: err.Error()}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read obj: %w", err)
	}

	if len(m.Positions) == 0 {
		return nil, ErrEmptyMesh
	}

	return m, nil
}

func parseFloats(fields []string, least, most int) ([]float32, error) {
	if len(fields) < least || len(fields) > most {
		return nil, fmt.Errorf("expected %d to %d components, got %d", least, most, len(fields))
	}

	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func (m *Mesh) addFace(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("face needs at least 3 vertices, got %d", len(fields))
	}

	corners := make([]Vertex, len(fields))
	for i, f := range fields {
		v, err := m.parseVertex(f)
		if err != nil {
			return err
		}
		corners[i] = v
	}

	for i := 1; i+1 < len(corners); i++ {
		m.Triangles = append(m.Triangles, corners[0], corners[i], corners[i+1])
	}
	return nil
}

// parseVertex parses v, v/vt, v//vn or v/vt/vn.
func (m *Mesh) parseVertex(s string) (Vertex, error) {
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return Vertex{}, fmt.Errorf("invalid face vertex %q", s)
	}

	v := Vertex{Position: -1, TexCoord: -1, Normal: -1}
	var err error

	v.Position, err = resolveIndex(parts[0], len(m.Positions))
	if err != nil {
		return Vertex{}, fmt.Errorf("face vertex %q: position %w", s, err)
	}
	if len(parts) > 1 && parts[1] != "" {
		v.TexCoord, err = resolveIndex(parts[1], len(m.TexCoords))
		if err != nil {
			return Vertex{}, fmt.Errorf("face vertex %q: texture coordinate %w", s, err)
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		v.Normal, err = resolveIndex(parts[2], len(m.Normals))
		if err != nil {
			return Vertex{}, fmt.Errorf("face vertex %q: normal %w", s, err)
		}
	}

	return v, nil
}

// resolveIndex turns a one-based or negative relative OBJ index into a
// zero-based one.
func resolveIndex(s string, count int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("index %q is not an integer", s)
	}

	switch {
	case i > 0 && i <= count:
		return i - 1, nil
	case i < 0 && -i <= count:
		return count + i, nil
	default:
		return 0, fmt.Errorf("index %d out of range (%d defined)", i, count)
	}
}
