package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"palaver/internal/daemon"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/h2non/filetype"
)

const maxUploadMemory = 10 << 20

type fileResponse struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId"`
	EventID uint64 `json:"eventId,omitempty"`
}

// UploadFileHandler stages a multipart "file" and, when protocol and
// account are given, offers it to that contact.
func (a *API) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer func() { _ = file.Close() }()

	var (
		user  models.UserID
		offer = r.FormValue("account") != ""
	)
	if offer {
		user, err = AddContactRequest{Protocol: r.FormValue("protocol"), Account: r.FormValue("account")}.userID()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	stored, err := a.files.Put(file)
	if err != nil {
		slog.Error("failed to store upload", "name", header.Filename, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      stored.Hash,
		Name:      filepath.Base(header.Filename),
		MimeType:  "application/octet-stream",
		Size:      stored.Size,
		CreatedAt: time.Now().Unix(),
		Uploader:  UserID(r.Context()),
	}
	if kind, err := filetype.Match(stored.Head); err == nil && kind != filetype.Unknown {
		meta.MimeType = kind.MIME.Value
	}
	if err := a.store.UpsertFileMetadata(meta); err != nil {
		slog.Error("failed to store file metadata", "file_id", meta.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	resp := fileResponse{Success: true, FileID: meta.ID}
	if offer {
		resp.EventID, err = a.d.SendFile(user, daemon.FileOffer{
			FileID:      meta.ID,
			Name:        meta.Name,
			Size:        meta.Size,
			Description: r.FormValue("description"),
			Head:        stored.Head,
		}, daemon.SendOptions{Connect: event.ViaServer})
		if err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) DownloadFileHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.store.GetFileMetadata(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rc, err := a.files.Open(meta.Hash)
	if err != nil {
		writeError(w, statusOf(err), "File not found")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("failed to send file", "file_id", meta.ID, "error", err)
	}
}

// DeleteFileHandler drops an upload. Only the uploader may do it; the blob
// goes once no other upload shares it.
func (a *API) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := a.store.GetFileMetadata(id)
	if err != nil {
		writeError(w, statusOf(err), "File not found")
		return
	}
	if meta.Uploader != UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "Not your file")
		return
	}
	meta, shared, err := a.store.DeleteFileMetadata(id)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	if !shared {
		if err := a.files.Delete(meta.Hash); err != nil {
			slog.Warn("failed to delete file blob", "hash", meta.Hash, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
