package expression

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"auralis_expression/authorization"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubUploader struct {
	uploaded []string
}

func (u *stubUploader) Upload(_ context.Context, fh *multipart.FileHeader, segments ...string) (string, error) {
	ref := "/expressions/images/" + segments[0] + "/" + fh.Filename
	u.uploaded = append(u.uploaded, ref)
	return ref, nil
}

type stubModels struct{}

func (stubModels) BoundModel(context.Context) (*ModelInfo, error) {
	return &ModelInfo{ID: 7, Name: "hiyori", EntryURL: "/models/hiyori.vrm", Channels: []string{"happy"}}, nil
}

type apiClient struct {
	t      *testing.T
	router *gin.Engine
	token  string
}

func newAPI(t *testing.T, store *Store, images ImageUploader) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	router := gin.New()
	auth, err := authorization.RegisterRoutes(router, authorization.Options{Secret: "k", Username: "admin", PasswordHash: string(hash)})
	require.NoError(t, err)
	RegisterRoutes(router, auth.Guard(), store, images, stubModels{}, nil)

	api := &apiClient{t: t, router: router}
	rec := api.do(http.MethodPost, "/auth/login", `{"username":"admin","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	api.token = login.Token
	return api
}

func (a *apiClient) send(req *http.Request) *httptest.ResponseRecorder {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *apiClient) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req)
}

type stateBody struct {
	Mode      Mode       `json:"mode"`
	CurrentID string     `json:"current_id"`
	Entries   []entryDTO `json:"entries"`
	Current   *entryDTO  `json:"current"`
	Model     *ModelInfo `json:"model"`
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateBody {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body stateBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPresetAdminFlowAndStateQuery(t *testing.T) {
	api := newAPI(t, newTestStore(t), nil)

	rec := api.do(http.MethodPost, "/expressions/entries?mode=preset", `{"name":"neutral","weights":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.do(http.MethodPost, "/expressions/entries?mode=preset", `{"name":"happy","display_name":"Happy","weights":{"happy":0.8}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Expression entryDTO `json:"expression"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.False(t, created.Expression.IsDefault)

	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/expressions/entries?mode=preset", `{"name":"bad","weights":{"x":1.5}}`).Code)
	require.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/expressions/entries?mode=preset", `{"name":"happy"}`).Code)

	state := decodeState(t, api.do(http.MethodGet, "/expressions/state", ""))
	require.Equal(t, ModeImage, state.Mode)
	require.Empty(t, state.Entries)
	require.Nil(t, state.Model)

	require.Equal(t, http.StatusOK, api.do(http.MethodPut, "/expressions/mode", `{"mode":"preset"}`).Code)
	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/expressions/mode", `{"mode":"video"}`).Code)

	state = decodeState(t, api.do(http.MethodGet, "/expressions/state", ""))
	require.Equal(t, ModePreset, state.Mode)
	require.Len(t, state.Entries, 2)
	require.NotNil(t, state.Current)
	require.Equal(t, "neutral", state.Current.Name)
	require.NotNil(t, state.Model)
	require.Equal(t, "/models/hiyori.vrm", state.Model.EntryURL)

	require.Equal(t, http.StatusOK, api.do(http.MethodPut, "/expressions/default", `{"id":"`+created.Expression.ID+`"}`).Code)
	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/expressions/default", `{"id":"missing"}`).Code)

	state = decodeState(t, api.do(http.MethodGet, "/expressions/state", ""))
	require.Equal(t, created.Expression.ID, state.CurrentID)
	require.InDelta(t, 0.8, state.Current.Weights["happy"], 1e-9)

	rec = api.do(http.MethodPatch, "/expressions/entries/"+created.Expression.ID, `{"display_name":"Very happy","weights":{"happy":1}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"display_name":"Very happy"`)

	require.Equal(t, http.StatusOK, api.do(http.MethodDelete, "/expressions/entries/"+created.Expression.ID, "").Code)
	state = decodeState(t, api.do(http.MethodGet, "/expressions/state", ""))
	require.Equal(t, "neutral", state.Current.Name)
	require.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/expressions/entries/"+created.Expression.ID, "").Code)
}

func TestImageEntryUploadsThroughStorage(t *testing.T) {
	uploader := &stubUploader{}
	api := newAPI(t, newTestStore(t), uploader)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "Smile Big"))
	part, err := mw.CreateFormFile("image", "smile.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/expressions/entries", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := api.send(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, []string{"/expressions/images/smile-big/smile.png"}, uploader.uploaded)

	var created struct {
		Expression entryDTO `json:"expression"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotNil(t, created.Expression.ImageURL)
	require.Equal(t, uploader.uploaded[0], *created.Expression.ImageURL)
	require.True(t, created.Expression.IsDefault)

	rec = api.do(http.MethodGet, "/expressions/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"Smile Big"`)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	api := newAPI(t, newTestStore(t), nil)
	api.token = ""

	require.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/expressions/entries?mode=preset", `{"name":"x"}`).Code)
	require.Equal(t, http.StatusUnauthorized, api.do(http.MethodPut, "/expressions/mode", `{"mode":"preset"}`).Code)
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/expressions/state", "").Code)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, nil, newTestStore(t), nil, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/expressions/entries/abc", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFailedUpdateRemovesUploadedImage(t *testing.T) {
	uploader := &stubUploader{}
	remover := &recordingRemover{}
	api := newAPI(t, newTestStore(t, WithAssetRemover(remover)), uploader)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "smile.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPatch, "/expressions/entries/missing", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := api.send(req)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	require.Equal(t, []string{"/expressions/images/missing/smile.png"}, uploader.uploaded)
	require.Equal(t, uploader.uploaded, remover.list())
}
