// Package proto defines the wire format of the object endpoints shared by
// the client transports and the reference server.
package proto

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// BatchField is the multipart field carrying an upload batch.
const BatchField = "object-batch"

// Content types used on the wire.
const (
	ContentTypeJSON = "application/json"
	ContentTypeGzip = "application/gzip"
	ContentTypeText = "text/plain"
)

// ObjectsRequest is the body of the diff and getobjects endpoints. Objects
// holds a JSON array of ids encoded as a string.
type ObjectsRequest struct {
	Objects string `json:"objects"`
}

// NewObjectsRequest encodes ids into a request body.
func NewObjectsRequest(ids []string) (ObjectsRequest, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return ObjectsRequest{}, err
	}
	return ObjectsRequest{Objects: string(b)}, nil
}

// IDs decodes the embedded id list.
func (r ObjectsRequest) IDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.Objects), &ids); err != nil {
		return nil, fmt.Errorf("decoding object ids: %w", err)
	}
	return ids, nil
}

// DiffResponse maps each requested id to whether the server already has it.
type DiffResponse map[string]bool

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// SingleObjectPath is the path of the single-record endpoint.
func SingleObjectPath(streamID, objectID string) string {
	return "/objects/" + url.PathEscape(streamID) + "/" + url.PathEscape(objectID) + "/single"
}

// GetObjectsPath is the path of the streaming batch download endpoint.
func GetObjectsPath(streamID string) string {
	return "/api/getobjects/" + url.PathEscape(streamID)
}

// UploadPath is the path of the multipart upload endpoint.
func UploadPath(projectID string) string {
	return "/objects/" + url.PathEscape(projectID)
}

// DiffPath is the path of the diff endpoint.
func DiffPath(projectID string) string {
	return "/api/diff/" + url.PathEscape(projectID)
}
