package transfer

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/filedrop/service/internal/metrics"
	"github.com/filedrop/service/internal/response"
)

const uploadField = "file"

// Handler holds HTTP handlers for file endpoints.
type Handler struct {
	svc     *Service
	metrics *metrics.Metrics
}

// NewHandler creates a new transfer Handler.
func NewHandler(svc *Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// Routes mounts the file endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/info", h.Info)
	r.Route("/files", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/upload-target", h.UploadTarget)
		r.Get("/{id}", h.GetFile)
		r.Get("/{id}/content", h.Content)
	})
}

type infoData struct {
	Extern bool `json:"extern" example:"false"`
}

type fileData struct {
	ID        string    `json:"id"        example:"0190f1c2a3b47c3d9e8f0a1b2c3d4e5f"`
	FileName  string    `json:"fileName"  example:"report.pdf"`
	ExpiresAt time.Time `json:"expiresAt" example:"2026-10-15T12:10:00Z"`
}

// Info godoc
//
//	@Summary		Deployment info
//	@Description	Reports whether uploads go directly to object storage (extern=true) or through this service.
//	@Tags			files
//	@Produce		json
//	@Success		200	{object}	response.Envelope{data=infoData}
//	@Router			/info [get]
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	response.OK(w, infoData{Extern: h.svc.Extern()})
}

// GetFile godoc
//
//	@Summary		Resolve a file identifier
//	@Description	Returns the display metadata of a live file.
//	@Tags			files
//	@Produce		json
//	@Param			id	path		string	true	"File identifier"
//	@Success		200	{object}	response.Envelope{data=fileData}
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/{id} [get]
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, fileData{ID: e.ID, FileName: e.FileName, ExpiresAt: e.ExpiresAt})
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Streams a multipart file through the service. Returns the identifier as plain text. Mediated mode only.
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		plain
//	@Param			file	formData	file	true	"File to share"
//	@Success		200		{string}	string	"identifier"
//	@Failure		400		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/files [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.svc.Extern() {
		writeError(w, ErrUnsupported)
		return
	}

	part, err := filePart(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	defer part.Close()

	length := int64(-1)
	if v := part.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			length = n
		}
	}

	id, err := h.svc.Upload(r.Context(), UploadRequest{
		FileName:      part.FileName(),
		ContentType:   part.Header.Get("Content-Type"),
		ContentLength: length,
		Body:          part,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.Text(w, http.StatusOK, id)
}

// filePart advances the multipart body to the file field without buffering
// the upload.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.New("expected a multipart/form-data body")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errors.New(`missing "file" field`)
		}
		if err != nil {
			return nil, errors.New("malformed multipart body")
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

// UploadTarget godoc
//
//	@Summary		Issue a direct upload target
//	@Description	Reserves an identifier and returns the presigned POST URL and form fields the client must submit to object storage within the presign window. Direct mode only.
//	@Tags			files
//	@Produce		json
//	@Param			name	query		string	false	"Display name of the file"
//	@Success		200		{object}	map[string]string
//	@Failure		400		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/files/upload-target [get]
func (h *Handler) UploadTarget(w http.ResponseWriter, r *http.Request) {
	up, err := h.svc.InitUpload(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	body := make(map[string]string, len(up.Fields)+3)
	for k, v := range up.Fields {
		body[k] = v
	}
	body["url"] = up.URL
	body["file-name"] = up.FileName
	body["id"] = up.ID
	response.JSON(w, http.StatusOK, body)
}

// Content godoc
//
//	@Summary		Download a file
//	@Description	Mediated mode streams the bytes and honours a single byte range. Direct mode returns a short-lived download URL as plain text, or redirects to it when redirect=true.
//	@Tags			files
//	@Produce		octet-stream
//	@Param			id			path		string	true	"File identifier"
//	@Param			Range		header		string	false	"Byte range, e.g. bytes=0-99"
//	@Param			redirect	query		bool	false	"Direct mode: answer with 302"
//	@Success		200			{file}		file
//	@Success		206			{file}		file
//	@Success		302			{string}	string
//	@Failure		404			{object}	response.Envelope
//	@Failure		416			{object}	response.Envelope
//	@Failure		500			{object}	response.Envelope
//	@Router			/files/{id}/content [get]
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.svc.Extern() {
		h.redirect(w, r, id)
		return
	}
	h.stream(w, r, id)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, id string) {
	u, err := h.svc.DownloadURL(r.Context(), id)
	if err != nil {
		h.metrics.RecordDownload(true, downloadStatus(err), 0)
		writeError(w, err)
		return
	}
	h.metrics.RecordDownload(true, "ok", 0)

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}
	response.Text(w, http.StatusOK, u)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, id string) {
	dl, err := h.svc.Open(r.Context(), id)
	if err != nil {
		h.metrics.RecordDownload(false, downloadStatus(err), 0)
		writeError(w, err)
		return
	}
	defer dl.Body.Close()

	contentType := dl.Entry.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	hdr := w.Header()
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Entry.FileName}))
	hdr.Set("Content-Type", contentType)
	hdr.Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || dl.Size < 0 {
		if dl.Size >= 0 {
			hdr.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		n, err := io.Copy(w, dl.Body)
		h.finish(id, "ok", n, err)
		return
	}

	ranges, err := ParseRange(rangeHeader, dl.Size)
	if err != nil {
		h.metrics.RecordDownload(false, "unsatisfiable", 0)
		hdr.Del("Content-Disposition")
		response.RangeNotSatisfiable(w, dl.Size)
		return
	}
	rg := ranges[0]

	if err := skipTo(dl.Body, rg.Start); err != nil {
		h.metrics.RecordDownload(false, "error", 0)
		log.Error().Err(err).Str("id", id).Msg("seek download")
		response.InternalError(w)
		return
	}

	hdr.Set("Content-Range", rg.ContentRange(dl.Size))
	hdr.Set("Content-Length", strconv.FormatInt(rg.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	n, err := io.CopyN(w, dl.Body, rg.Length())
	h.finish(id, "partial", n, err)
}

func (h *Handler) finish(id, status string, n int64, err error) {
	if err != nil {
		// Headers are gone; the client sees a short body.
		log.Warn().Err(err).Str("id", id).Int64("bytes", n).Msg("download interrupted")
		status = "interrupted"
	}
	h.metrics.RecordDownload(false, status, n)
}

// skipTo positions body at offset, seeking when the body supports it.
func skipTo(body io.Reader, offset int64) error {
	if offset == 0 {
		return nil
	}
	if s, ok := body.(io.Seeker); ok {
		_, err := s.Seek(offset, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, body, offset)
	return err
}

func downloadStatus(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "file does not exist")
	case errors.Is(err, ErrUnsupported):
		response.BadRequest(w, "operation not supported in this storage mode")
	case errors.Is(err, ErrMissingBody):
		response.BadRequest(w, err.Error())
	default:
		log.Error().Err(err).Msg("transfer request failed")
		response.InternalError(w)
	}
}
