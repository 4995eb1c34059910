package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"videoSearch/core"
	"videoSearch/processors"
)

// Server HTTP 层：上传、状态轮询、语义搜索、截图文件。
// 管线语义都在 Orchestrator 里，这里只做编解码和参数校验。
type Server struct {
	orch *processors.Orchestrator
}

func New(orch *processors.Orchestrator) *Server {
	return &Server{orch: orch}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/upload", s.handleUpload)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/search", s.handleSearch)
	r.Get("/api/image/{name}", s.handleImage)
	return r
}

// handleUpload 接收 multipart 的 video 字段或 JSON 的 video_path，
// 同步校验后启动后台摄取。任务活跃时回 409。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var videoPath string
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		saved, err := s.saveUploadedVideo(r)
		if err != nil {
			core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		videoPath = saved
	} else {
		var body struct {
			VideoPath string `json:"video_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if body.VideoPath == "" {
			core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "video_path required"})
			return
		}
		videoPath = body.VideoPath
	}

	jobID, err := s.orch.StartIngestion(videoPath)
	switch {
	case errors.Is(err, core.ErrBusy):
		core.WriteJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, core.ErrUnsupportedFormat):
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	core.WriteJSON(w, http.StatusOK, core.UploadResponse{
		JobID:    jobID,
		Message:  "upload accepted, ingestion started",
		Filename: filepath.Base(videoPath),
	})
}

func (s *Server) saveUploadedVideo(r *http.Request) (string, error) {
	if err := r.ParseMultipartForm(512 << 20); err != nil {
		return "", err
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		return "", errors.New("missing file field 'video'")
	}
	defer file.Close()

	if !processors.ExtensionAllowed(filepath.Ext(header.Filename)) {
		return "", core.UnsupportedFormatError(filepath.Ext(header.Filename))
	}

	if err := os.MkdirAll(core.InputDir(), 0755); err != nil {
		return "", err
	}
	// 只取 basename，上传方给的路径不落到磁盘结构里
	dst := filepath.Join(core.InputDir(), filepath.Base(header.Filename))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, s.orch.State())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req core.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		core.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "query required"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	hits, err := s.orch.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		core.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	for i := range hits {
		hits[i].StartImageURL = imageURL(hits[i].StartImage)
		hits[i].EndImageURL = imageURL(hits[i].EndImage)
	}
	core.WriteJSON(w, http.StatusOK, core.SearchResponse{Query: req.Query, Hits: hits})
}

// imageURL 截图文件存在才给 URL，丢了的帧不给死链接
func imageURL(framePath string) string {
	if framePath == "" {
		return ""
	}
	if _, err := os.Stat(framePath); err != nil {
		return ""
	}
	return fmt.Sprintf("/api/image/%s", filepath.Base(framePath))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	path := filepath.Join(core.ScreenshotsDir(), name)
	if _, err := os.Stat(path); err != nil {
		core.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
		return
	}
	http.ServeFile(w, r, path)
}
