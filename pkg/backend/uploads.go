package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/files"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withCORS lets browser front ends on other origins call the collaborator endpoints.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	maxBytes := s.settings.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[files.FilesField]
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no files in field "+files.FilesField)
		return
	}

	resp := files.UploadResponse{
		Status:   "success",
		Uploaded: []string{},
		FileMap:  map[string]string{},
	}
	for _, fh := range headers {
		rec, err := s.storeUpload(r, fh)
		if err != nil {
			s.logger.Error().Err(err).Str("file", fh.Filename).Msg("upload failed")
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Uploaded = append(resp.Uploaded, rec.Name)
		resp.FileMap[rec.Key] = rec.Name
		s.logger.Info().Str("file_key", rec.Key).Int64("size", rec.Size).Msg("file uploaded")
	}
	writeJSON(w, http.StatusOK, resp)
}

// storeUpload saves one part under a key of the form "<unix-millis>_<basename>". Commas in
// the basename become "_" in the key, since context-loaded frames are comma separated; the
// record keeps the name as uploaded.
func (s *Server) storeUpload(r *http.Request, fh *multipart.FileHeader) (FileRecord, error) {
	name := filepath.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return FileRecord{}, errors.Errorf("invalid file name %q", fh.Filename)
	}

	src, err := fh.Open()
	if err != nil {
		return FileRecord{}, errors.Wrap(err, "open part")
	}
	defer func() { _ = src.Close() }()

	key, dst, err := s.createUploadFile(keySafeName(name))
	if err != nil {
		return FileRecord{}, err
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	path := s.uploadPath(key)
	if err != nil {
		_ = os.Remove(path)
		return FileRecord{}, errors.Wrapf(err, "write %s", key)
	}

	rec := FileRecord{Key: key, Name: name, Path: path, Size: size, UploadedAtMs: time.Now().UnixMilli()}
	if err := s.registry.Put(r.Context(), rec); err != nil {
		_ = os.Remove(path)
		return FileRecord{}, err
	}
	return rec, nil
}

func keySafeName(name string) string {
	return strings.ReplaceAll(name, ",", "_")
}

// createUploadFile allocates an unused key and creates its file exclusively. Two uploads
// of the same name within one millisecond get consecutive timestamps.
func (s *Server) createUploadFile(name string) (string, *os.File, error) {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	ms := time.Now().UnixMilli()
	for range 1000 {
		key := fmt.Sprintf("%d_%s", ms, name)
		f, err := os.OpenFile(s.uploadPath(key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return key, f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, errors.Wrapf(err, "create %s", key)
		}
		ms++
	}
	return "", nil, errors.Errorf("no free upload key for %s", name)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimSpace(r.FormValue(files.KeyField))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+files.KeyField)
		return
	}

	rec, ok, err := s.registry.Get(r.Context(), key)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "File not found")
		return
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error().Err(err).Str("file_key", key).Msg("delete failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.registry.Delete(r.Context(), key); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("file_key", key).Msg("file deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
