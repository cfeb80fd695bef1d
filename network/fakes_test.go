package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const testKS = "djJ8MTAwfHRlc3Q="

type uploadedChunk struct {
	tokenID  string
	resume   string
	final    string
	resumeAt int64
	fileName string
	data     []byte
}

// fakeService is an in-memory media service speaking the JSON API.
type fakeService struct {
	mu        sync.Mutex
	tokens    map[string][]byte
	deleted   []string
	entries   map[string]MediaEntry
	chunks    []uploadedChunk
	sessions  int
	calls     []string
	exception map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		tokens:    map[string][]byte{},
		entries:   map[string]MediaEntry{},
		exception: map[string]string{},
	}
}

func (f *fakeService) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api_v3/service/{service}/action/{action}", f.handle).Methods(http.MethodPost)
	return r
}

func (f *fakeService) start(t *testing.T) (*httptest.Server, *Client) {
	server := httptest.NewServer(f.router())
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testKS, log.NewLogger())
	client.httpClient.RetryMax = 0
	return server, client
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	call := vars["service"] + "." + vars["action"]

	if call == "uploadtoken.upload" {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	if code, ok := f.exception[call]; ok {
		writeJSON(w, map[string]string{"objectType": exceptionType, "code": code, "message": "rejected"})
		return
	}
	if call != "session.start" && r.FormValue("ks") != testKS {
		writeJSON(w, map[string]string{"objectType": exceptionType, "code": "INVALID_KS", "message": "invalid ks"})
		return
	}

	switch call {
	case "session.start":
		f.sessions++
		writeJSON(w, testKS)
	case "uploadtoken.add":
		id := "0_" + uuid.NewString()[:8]
		f.tokens[id] = nil
		writeJSON(w, map[string]interface{}{"id": id, "fileName": r.FormValue("uploadToken[fileName]"), "objectType": "KalturaUploadToken"})
	case "uploadtoken.get":
		id := r.FormValue("uploadTokenId")
		writeJSON(w, map[string]interface{}{"id": id, "uploadedFileSize": len(f.tokens[id])})
	case "uploadtoken.delete":
		id := r.FormValue("uploadTokenId")
		delete(f.tokens, id)
		f.deleted = append(f.deleted, id)
		writeJSON(w, nil)
	case "uploadtoken.upload":
		f.upload(w, r)
	case "media.add":
		mediaType, _ := strconv.Atoi(r.FormValue("entry[mediaType]"))
		entry := MediaEntry{ID: "1_" + uuid.NewString()[:8], Name: r.FormValue("entry[name]"), MediaType: MediaType(mediaType), Status: "7"}
		f.entries[entry.ID] = entry
		writeJSON(w, entry)
	case "media.get":
		entry, ok := f.entries[r.FormValue("entryId")]
		if !ok {
			writeJSON(w, map[string]string{"objectType": exceptionType, "code": "ENTRY_ID_NOT_FOUND", "message": "not found"})
			return
		}
		writeJSON(w, entry)
	case "media.addContent", "media.updateContent":
		entry, ok := f.entries[r.FormValue("entryId")]
		if !ok {
			writeJSON(w, map[string]string{"objectType": exceptionType, "code": "ENTRY_ID_NOT_FOUND", "message": "not found"})
			return
		}
		if _, ok := f.tokens[r.FormValue("resource[token]")]; !ok {
			writeJSON(w, map[string]string{"objectType": exceptionType, "code": "UPLOAD_TOKEN_NOT_FOUND", "message": "no token"})
			return
		}
		entry.Status = "1"
		f.entries[entry.ID] = entry
		writeJSON(w, entry)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) upload(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("uploadTokenId")
	data, ok := f.tokens[id]
	if !ok {
		writeJSON(w, map[string]string{"objectType": exceptionType, "code": "UPLOAD_TOKEN_NOT_FOUND", "message": "no token"})
		return
	}

	file, header, err := r.FormFile(fileFieldName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resumeAt, err := strconv.ParseInt(r.FormValue("resumeAt"), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid resumeAt: %s", err), http.StatusBadRequest)
		return
	}

	end := resumeAt + int64(len(payload))
	if int64(len(data)) < end {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[resumeAt:], payload)
	f.tokens[id] = data

	f.chunks = append(f.chunks, uploadedChunk{
		tokenID:  id,
		resume:   r.FormValue("resume"),
		final:    r.FormValue("finalChunk"),
		resumeAt: resumeAt,
		fileName: header.Filename,
		data:     payload,
	})
	writeJSON(w, map[string]interface{}{"id": id, "uploadedFileSize": len(data)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
