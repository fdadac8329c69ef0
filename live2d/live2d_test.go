package live2d

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"auralis_expression/database"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func fileHeader(t *testing.T, filename string, data []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	form, err := multipart.NewReader(&body, mw.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["archive"][0]
}

func buildGLB(t *testing.T, doc any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	for len(raw)%4 != 0 {
		raw = append(raw, ' ')
	}
	var buf bytes.Buffer
	write := func(v uint32) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	write(glbMagic)
	write(2)
	write(uint32(12 + 8 + len(raw)))
	write(uint32(len(raw)))
	write(glbChunkJSON)
	buf.Write(raw)
	return buf.Bytes()
}

func TestFormatForEntry(t *testing.T) {
	require.Equal(t, FormatLive2D, FormatForEntry("hiyori/Hiyori.model3.json"))
	require.Equal(t, FormatVRM, FormatForEntry("avatar.VRM"))
	require.Equal(t, FormatGLB, FormatForEntry("https://cdn.example.com/a/model.glb?sig=1"))
	require.Equal(t, FormatGLTF, FormatForEntry("scene.gltf"))
	require.Empty(t, FormatForEntry("readme.txt"))
}

func TestSaveArchiveDetectsEntryByPriority(t *testing.T) {
	storage, err := NewAssetStorage(t.TempDir())
	require.NoError(t, err)

	data := buildZip(t, map[string]string{
		"model/scene.gltf":        `{}`,
		"model/avatar.vrm":        "vrm",
		"model/preview.png":       "png",
		"__MACOSX/model/._x.vrm":  "junk",
		"model/textures/skin.png": "png",
	})
	extracted, err := storage.SaveArchive(fileHeader(t, "bundle.zip", data), "", "")
	require.NoError(t, err)
	require.Equal(t, "model/avatar.vrm", extracted.Entry)
	require.Equal(t, FormatVRM, extracted.Format)
	require.NotNil(t, extracted.Preview)

	entryPath, err := storage.Path(extracted.Folder, extracted.Entry)
	require.NoError(t, err)
	_, err = os.Stat(entryPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(storage.BaseDir(), extracted.Folder, "__MACOSX"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, storage.Remove(extracted.Folder))
	_, err = os.Stat(entryPath)
	require.True(t, os.IsNotExist(err))
}

func TestSaveArchiveHonoursHints(t *testing.T) {
	storage, err := NewAssetStorage(t.TempDir())
	require.NoError(t, err)
	data := buildZip(t, map[string]string{"a.model3.json": "{}", "b.glb": "x", "cover.jpg": "x"})

	extracted, err := storage.SaveArchive(fileHeader(t, "m.zip", data), "B.GLB", "cover.jpg")
	require.NoError(t, err)
	require.Equal(t, "b.glb", extracted.Entry)
	require.Equal(t, FormatGLB, extracted.Format)
	require.Equal(t, "cover.jpg", *extracted.Preview)

	_, err = storage.SaveArchive(fileHeader(t, "m.zip", data), "missing.vrm", "")
	require.Error(t, err)
}

func TestSaveArchiveRejectsBadInput(t *testing.T) {
	storage, err := NewAssetStorage(t.TempDir())
	require.NoError(t, err)

	_, err = storage.SaveArchive(fileHeader(t, "m.zip", buildZip(t, map[string]string{"readme.txt": "x"})), "", "")
	require.ErrorContains(t, err, "unable to detect model entry")

	_, err = storage.SaveArchive(fileHeader(t, "m.7z", []byte("7z\xbc\xaf")), "", "")
	require.ErrorContains(t, err, "unsupported archive format")

	_, err = storage.SaveArchive(fileHeader(t, "evil.zip", buildZip(t, map[string]string{"../evil.vrm": "x"})), "", "")
	require.Error(t, err)

	entries, err := os.ReadDir(storage.BaseDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestGLTFDiscovererReadsMorphTargetsAndVRMGroups(t *testing.T) {
	dir := t.TempDir()

	gltf := map[string]any{
		"meshes": []any{
			map[string]any{
				"extras":     map[string]any{"targetNames": []string{"happy", "sad"}},
				"primitives": []any{map[string]any{"extras": map[string]any{"targetNames": []string{"blinkLeft"}}}},
			},
		},
	}
	raw, err := json.Marshal(gltf)
	require.NoError(t, err)
	gltfPath := filepath.Join(dir, "scene.gltf")
	require.NoError(t, os.WriteFile(gltfPath, raw, 0o644))

	channels, err := gltfDiscoverer{}.Discover(gltfPath)
	require.NoError(t, err)
	require.Equal(t, []string{"blinkLeft", "happy", "sad"}, channels)

	vrm0 := map[string]any{
		"extensions": map[string]any{
			"VRM": map[string]any{
				"blendShapeMaster": map[string]any{
					"blendShapeGroups": []any{
						map[string]any{"name": "Joy", "presetName": "joy"},
						map[string]any{"name": "Smirk", "presetName": "unknown"},
					},
				},
			},
		},
	}
	vrmPath := filepath.Join(dir, "avatar.vrm")
	require.NoError(t, os.WriteFile(vrmPath, buildGLB(t, vrm0), 0o644))
	channels, err = gltfDiscoverer{}.Discover(vrmPath)
	require.NoError(t, err)
	require.Equal(t, []string{"Smirk", "joy"}, channels)

	vrm1 := map[string]any{
		"extensions": map[string]any{
			"VRMC_vrm": map[string]any{
				"expressions": map[string]any{
					"preset": map[string]any{"happy": map[string]any{}, "blink": map[string]any{}},
					"custom": map[string]any{"wink": map[string]any{}},
				},
			},
		},
	}
	glbPath := filepath.Join(dir, "avatar1.glb")
	require.NoError(t, os.WriteFile(glbPath, buildGLB(t, vrm1), 0o644))
	channels, err = gltfDiscoverer{}.Discover(glbPath)
	require.NoError(t, err)
	require.Equal(t, []string{"blink", "happy", "wink"}, channels)
}

func TestLive2DDiscovererReadsDisplayInfoAndGroups(t *testing.T) {
	dir := t.TempDir()
	model3 := `{
		"FileReferences": {"DisplayInfo": "model.cdi3.json"},
		"Groups": [
			{"Target": "Parameter", "Name": "EyeBlink", "Ids": ["ParamEyeLOpen", "ParamEyeROpen"]},
			{"Target": "Part", "Name": "Ignored", "Ids": ["PartArm"]}
		]
	}`
	cdi3 := `{"Parameters": [{"Id": "ParamAngleX"}, {"Id": "ParamEyeLOpen"}]}`
	entry := filepath.Join(dir, "model.model3.json")
	require.NoError(t, os.WriteFile(entry, []byte(model3), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.cdi3.json"), []byte(cdi3), 0o644))

	discoverer, ok := DiscovererFor(FormatLive2D)
	require.True(t, ok)
	channels, err := discoverer.Discover(entry)
	require.NoError(t, err)
	require.Equal(t, []string{"ParamAngleX", "ParamEyeLOpen", "ParamEyeROpen"}, channels)

	_, ok = DiscovererFor("fbx")
	require.False(t, ok)
}

func newTestModule(t *testing.T) *Module {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	storage, err := NewAssetStorage(t.TempDir())
	require.NoError(t, err)
	module, err := RegisterRoutes(gin.New(), nil, db, storage, nil)
	require.NoError(t, err)
	return module
}

func TestBindKeepsExactlyOneModelBound(t *testing.T) {
	ctx := context.Background()
	module := newTestModule(t)

	a := ModelAsset{Key: "a", Name: "A", Format: FormatVRM, StorageType: storageExternal, EntryFile: "https://cdn/a.vrm", Channels: []string{"happy"}}
	b := ModelAsset{Key: "b", Name: "B", Format: FormatGLB, StorageType: storageExternal, EntryFile: "https://cdn/b.glb"}
	require.NoError(t, module.db.Create(&a).Error)
	require.NoError(t, module.db.Create(&b).Error)

	info, err := module.BoundModel(ctx)
	require.NoError(t, err)
	require.Nil(t, info)

	_, err = module.Bind(ctx, a.ID)
	require.NoError(t, err)
	_, err = module.Bind(ctx, b.ID)
	require.NoError(t, err)

	var count int64
	require.NoError(t, module.db.Model(&modelBinding{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	info, err = module.BoundModel(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID, info.ID)
	require.Equal(t, "https://cdn/b.glb", info.EntryURL)

	_, err = module.Bind(ctx, 999)
	require.ErrorIs(t, err, ErrModelNotFound)

	require.NoError(t, module.Unbind(ctx))
	info, err = module.BoundModel(ctx)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestConcurrentBindsLeaveOneBinding(t *testing.T) {
	ctx := context.Background()
	module := newTestModule(t)
	sqlDB, err := module.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ids := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		model := ModelAsset{Key: fmt.Sprintf("m%d", i), Name: "M", Format: FormatGLB, StorageType: storageExternal, EntryFile: "https://cdn/m.glb"}
		require.NoError(t, module.db.Create(&model).Error)
		ids[model.ID] = true
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_, err := module.Bind(ctx, id)
			errs <- err
		}(uint64(i%4 + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, module.db.Model(&modelBinding{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	info, err := module.BoundModel(ctx)
	require.NoError(t, err)
	require.True(t, ids[info.ID])
}

func TestDeleteRefusesBoundModel(t *testing.T) {
	ctx := context.Background()
	module := newTestModule(t)

	a := ModelAsset{Key: "a", Name: "A", Format: FormatVRM, StorageType: storageExternal, EntryFile: "https://cdn/a.vrm"}
	b := ModelAsset{Key: "b", Name: "B", Format: FormatVRM, StorageType: storageExternal, EntryFile: "https://cdn/b.vrm"}
	require.NoError(t, module.db.Create(&a).Error)
	require.NoError(t, module.db.Create(&b).Error)
	_, err := module.Bind(ctx, a.ID)
	require.NoError(t, err)

	require.ErrorIs(t, module.Delete(ctx, a.ID), ErrModelBound)
	require.NoError(t, module.Delete(ctx, b.ID))
	require.ErrorIs(t, module.Delete(ctx, b.ID), ErrModelNotFound)

	require.NoError(t, module.Unbind(ctx))
	require.NoError(t, module.Delete(ctx, a.ID))
}

func TestBindingToVanishedModelReadsAsNone(t *testing.T) {
	ctx := context.Background()
	module := newTestModule(t)

	a := ModelAsset{Key: "a", Name: "A", Format: FormatVRM, StorageType: storageExternal, EntryFile: "https://cdn/a.vrm"}
	require.NoError(t, module.db.Create(&a).Error)
	_, err := module.Bind(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, module.db.Delete(&ModelAsset{}, a.ID).Error)

	info, err := module.BoundModel(ctx)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestPublicModelRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	router := gin.New()
	module, err := RegisterRoutes(router, nil, db, nil, nil)
	require.NoError(t, err)

	model := ModelAsset{Key: "hiyori", Name: "Hiyori", Format: FormatLive2D, StorageType: storageExternal, EntryFile: "/static/hiyori.model3.json"}
	require.NoError(t, db.Create(&model).Error)
	_, err = module.Bind(context.Background(), model.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live2d/bound", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"entry_url":"/static/hiyori.model3.json"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live2d/models/hiyori", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"bound":true`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/live2d/bound", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
