package live2d

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ChannelDiscoverer lists the controllable channel names of a model.
// entry is the path of the entry file on disk.
type ChannelDiscoverer interface {
	Discover(entry string) ([]string, error)
}

// DiscovererFor picks the discoverer matching a model format.
func DiscovererFor(format string) (ChannelDiscoverer, bool) {
	switch format {
	case FormatLive2D:
		return live2dDiscoverer{}, true
	case FormatVRM, FormatGLB, FormatGLTF:
		return gltfDiscoverer{}, true
	default:
		return nil, false
	}
}

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbChunkJSON = 0x4E4F534A // "JSON"
	maxGLTFJSON  = 64 * 1024 * 1024
)

// gltfDiscoverer reads morph target names and VRM expression groups from
// .gltf, .glb and .vrm files.
type gltfDiscoverer struct{}

type gltfDocument struct {
	Meshes []struct {
		Extras struct {
			TargetNames []string `json:"targetNames"`
		} `json:"extras"`
		Primitives []struct {
			Extras struct {
				TargetNames []string `json:"targetNames"`
			} `json:"extras"`
		} `json:"primitives"`
	} `json:"meshes"`
	Extensions struct {
		VRM *struct {
			BlendShapeMaster struct {
				BlendShapeGroups []struct {
					Name       string `json:"name"`
					PresetName string `json:"presetName"`
				} `json:"blendShapeGroups"`
			} `json:"blendShapeMaster"`
		} `json:"VRM"`
		VRMC *struct {
			Expressions struct {
				Preset map[string]json.RawMessage `json:"preset"`
				Custom map[string]json.RawMessage `json:"custom"`
			} `json:"expressions"`
		} `json:"VRMC_vrm"`
	} `json:"extensions"`
}

func (gltfDiscoverer) Discover(entry string) ([]string, error) {
	f, err := os.Open(entry)
	if err != nil {
		return nil, fmt.Errorf("live2d: open model: %w", err)
	}
	defer f.Close()

	raw, err := readGLTFJSON(f)
	if err != nil {
		return nil, err
	}
	var doc gltfDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("live2d: parse gltf json: %w", err)
	}

	set := channelSet{}
	for _, mesh := range doc.Meshes {
		set.add(mesh.Extras.TargetNames...)
		for _, prim := range mesh.Primitives {
			set.add(prim.Extras.TargetNames...)
		}
	}
	if vrm := doc.Extensions.VRM; vrm != nil {
		for _, group := range vrm.BlendShapeMaster.BlendShapeGroups {
			name := group.Name
			if preset := strings.TrimSpace(group.PresetName); preset != "" && preset != "unknown" {
				name = preset
			}
			set.add(name)
		}
	}
	if vrmc := doc.Extensions.VRMC; vrmc != nil {
		for name := range vrmc.Expressions.Preset {
			set.add(name)
		}
		for name := range vrmc.Expressions.Custom {
			set.add(name)
		}
	}
	return set.sorted(), nil
}

// readGLTFJSON returns the JSON document of a .gltf file or the JSON chunk
// of a binary container.
func readGLTFJSON(r io.Reader) ([]byte, error) {
	var header [12]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("live2d: read model header: %w", err)
	}
	if n < 12 || binary.LittleEndian.Uint32(header[0:4]) != glbMagic {
		rest, err := io.ReadAll(io.LimitReader(r, maxGLTFJSON))
		if err != nil {
			return nil, fmt.Errorf("live2d: read gltf: %w", err)
		}
		return append(header[:n:n], rest...), nil
	}

	var chunk [8]byte
	if _, err := io.ReadFull(r, chunk[:]); err != nil {
		return nil, fmt.Errorf("live2d: read glb chunk header: %w", err)
	}
	length := binary.LittleEndian.Uint32(chunk[0:4])
	if binary.LittleEndian.Uint32(chunk[4:8]) != glbChunkJSON {
		return nil, errors.New("live2d: glb first chunk is not JSON")
	}
	if length > maxGLTFJSON {
		return nil, fmt.Errorf("live2d: glb json chunk too large (%d bytes)", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("live2d: read glb json chunk: %w", err)
	}
	return bytes.TrimRight(buf, " \x00"), nil
}

// live2dDiscoverer reads parameter ids from the display-info file referenced
// by a .model3.json, plus the ids of its parameter groups.
type live2dDiscoverer struct{}

type model3Document struct {
	FileReferences struct {
		DisplayInfo string `json:"DisplayInfo"`
	} `json:"FileReferences"`
	Groups []struct {
		Target string   `json:"Target"`
		Ids    []string `json:"Ids"`
	} `json:"Groups"`
}

type cdi3Document struct {
	Parameters []struct {
		ID string `json:"Id"`
	} `json:"Parameters"`
}

func (live2dDiscoverer) Discover(entry string) ([]string, error) {
	raw, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("live2d: read model3: %w", err)
	}
	var doc model3Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("live2d: parse model3: %w", err)
	}

	set := channelSet{}
	for _, group := range doc.Groups {
		if strings.EqualFold(group.Target, "Parameter") {
			set.add(group.Ids...)
		}
	}

	if info := normalizeArchivePath(doc.FileReferences.DisplayInfo); info != "" && !strings.HasPrefix(info, "../") {
		cdiPath := filepath.Join(filepath.Dir(entry), filepath.FromSlash(path.Clean(info)))
		if raw, err := os.ReadFile(cdiPath); err == nil {
			var cdi cdi3Document
			if err := json.Unmarshal(raw, &cdi); err != nil {
				return nil, fmt.Errorf("live2d: parse display info: %w", err)
			}
			for _, param := range cdi.Parameters {
				set.add(param.ID)
			}
		}
	}
	return set.sorted(), nil
}

type channelSet map[string]struct{}

func (s channelSet) add(names ...string) {
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s[trimmed] = struct{}{}
		}
	}
}

func (s channelSet) sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
