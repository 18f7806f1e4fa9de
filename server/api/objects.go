package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/klauspost/compress/gzip"

	"github.com/specklesystems/speckle-server-sub009/cas"
	"github.com/specklesystems/speckle-server-sub009/proto"
	"github.com/specklesystems/speckle-server-sub009/server/store"
	"github.com/specklesystems/speckle-server-sub009/stream"
)

// flushEvery is the number of record lines written between flushes of a
// getobjects response.
const flushEvery = 500

// ----- Download -----

// GetObject returns the raw text of one record.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamId")
	objectID := r.PathValue("objectId")

	content, err := h.db.GetObject(r.Context(), streamID, objectID)
	if err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "object not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read object", err)
		return
	}

	h.metrics.served.Inc()
	w.Header().Set("Content-Type", proto.ContentTypeText)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

// GetObjects streams the requested records as id<TAB>json lines. Ids the
// stream does not hold are omitted.
func (h *Handler) GetObjects(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", proto.ContentTypeText)
	w.WriteHeader(http.StatusOK)

	sw := stream.NewWriter(w)
	n := 0
	err := h.db.StreamObjects(r.Context(), r.PathValue("streamId"), ids, func(o store.Object) error {
		if err := sw.Write(o.ID, []byte(o.Content)); err != nil {
			return err
		}
		n++
		if n%flushEvery == 0 {
			rc.Flush()
		}
		return nil
	})
	h.metrics.served.Add(float64(n))
	if err != nil {
		// Headers are gone; the client sees a short stream.
		h.log.Warn("getobjects aborted", "stream", r.PathValue("streamId"), "sent", n, "error", err)
		return
	}
	rc.Flush()
}

// ----- Upload -----

// Diff reports which of the requested ids the stream already holds.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	have, err := h.db.HasObjects(r.Context(), r.PathValue("streamId"), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check objects", err)
		return
	}

	resp := make(proto.DiffResponse, len(ids))
	for _, id := range ids {
		resp[id] = have[id]
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload ingests multipart record batches. Every record must carry the id
// its content hashes to.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBatchSize)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart body", err)
		return
	}

	var objs []store.Object
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeUploadError(w, "reading multipart body", err)
			return
		}
		if part.FormName() != proto.BatchField {
			part.Close()
			continue
		}
		batch, err := readBatch(part)
		part.Close()
		if err != nil {
			writeUploadError(w, "invalid batch", err)
			return
		}
		objs = append(objs, batch...)
	}

	h.metrics.received.Add(float64(len(objs)))
	if len(objs) == 0 {
		writeError(w, http.StatusBadRequest, "no objects in upload", nil)
		return
	}

	n, err := h.db.InsertObjects(r.Context(), r.PathValue("streamId"), objs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store objects", err)
		return
	}
	h.metrics.stored.Add(float64(n))

	log := h.log.With("stream", r.PathValue("streamId"))
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		log = log.With("user", claims.UserID)
	}
	log.Debug("batch stored", "received", len(objs), "new", n)
	w.WriteHeader(http.StatusCreated)
}

// readBatch decodes one batch part: a JSON array of records, optionally
// gzipped. Record text is stored compacted but otherwise as sent.
func readBatch(part *multipart.Part) ([]store.Object, error) {
	var body io.Reader = part
	if isGzip(part.Header.Get("Content-Type")) {
		gr, err := gzip.NewReader(part)
		if err != nil {
			return nil, fmt.Errorf("opening gzip batch: %w", err)
		}
		defer gr.Close()
		body = gr
	}

	var raws []json.RawMessage
	if err := json.NewDecoder(body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}

	objs := make([]store.Object, 0, len(raws))
	for i, raw := range raws {
		id, err := verifyRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		objs = append(objs, store.Object{ID: id, Content: compact.String()})
	}
	return objs, nil
}

// verifyRecord checks that the record's id is the hash of its content.
func verifyRecord(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return "", err
	}
	if obj == nil {
		return "", errors.New("record is not an object")
	}
	id, _ := obj[cas.IDField].(string)
	if id == "" {
		return "", errors.New("record has no id")
	}
	want, err := cas.RecordID(obj)
	if err != nil {
		return "", err
	}
	if id != want {
		return "", fmt.Errorf("id %s does not match content hash %s", id, want)
	}
	return id, nil
}

func isGzip(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == proto.ContentTypeGzip
}

// ----- Helpers -----

func writeUploadError(w http.ResponseWriter, msg string, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large", nil)
		return
	}
	writeError(w, http.StatusBadRequest, msg, err)
}

func readIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req proto.ObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	ids, err := req.IDs()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid object list", err)
		return nil, false
	}
	for _, id := range ids {
		if !cas.IsValidID(id) {
			writeError(w, http.StatusBadRequest, "invalid object id", fmt.Errorf("%.80q", id))
			return nil, false
		}
	}
	return ids, true
}
